package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ocrkit/internal/logger"
	"github.com/samcharles93/ocrkit/internal/service"
)

type recognizeOutput struct {
	File       string `json:"file"`
	Text       string `json:"text"`
	Tokens     []int  `json:"tokens,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Partial    bool   `json:"partial,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	EncoderMS  int64  `json:"encoder_ms"`
	DecoderMS  int64  `json:"decoder_ms"`
	Steps      int    `json:"decoder_steps"`
	Encoder    string `json:"encoder,omitempty"`
	Decoder    string `json:"decoder,omitempty"`
}

func recognizeCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "recognize",
		Aliases:   []string{"ocr"},
		Usage:     "Recognize text in one or more images",
		ArgsUsage: "IMAGE [IMAGE...]",
		Before:    setup,
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print results as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			files := cmd.Args().Slice()
			if len(files) == 0 {
				return cli.Exit("error: at least one image path is required", 1)
			}

			svc, err := newService(log, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := svc.Open(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("error: initialize engine: %v", err), 1)
			}
			defer func() { _ = svc.Close() }()

			outputs := make([]recognizeOutput, 0, len(files))
			failed := 0
			for _, path := range files {
				out := recognizeFile(ctx, svc, path)
				if out.Error != "" && !out.Partial {
					failed++
					log.Error("recognition failed", "file", path, "error", out.Error)
				}
				outputs = append(outputs, out)
			}

			w := outWriter(cmd)
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(outputs); err != nil {
					return err
				}
			} else {
				for _, out := range outputs {
					if out.Error != "" && !out.Partial {
						continue
					}
					if len(outputs) > 1 {
						_, _ = fmt.Fprintf(w, "%s: %s\n", out.File, out.Text)
					} else {
						_, _ = fmt.Fprintln(w, out.Text)
					}
				}
			}
			if failed > 0 {
				return cli.Exit(fmt.Sprintf("error: %d of %d images failed", failed, len(files)), 1)
			}
			return nil
		},
	}
}

func recognizeFile(ctx context.Context, svc *service.Service, path string) recognizeOutput {
	out := recognizeOutput{File: path}
	f, err := os.Open(path)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer func() { _ = f.Close() }()

	rec, err := svc.Recognize(ctx, f)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Text = rec.Text
	out.Tokens = rec.Tokens
	out.StopReason = rec.Stop.String()
	out.DurationMS = rec.Duration.Milliseconds()
	out.EncoderMS = rec.EncoderDuration.Milliseconds()
	out.DecoderMS = rec.DecoderDuration.Milliseconds()
	out.Steps = rec.Steps
	out.Encoder = rec.EncoderBackend.String()
	out.Decoder = rec.DecoderBackend.String()
	if rec.Err != nil {
		out.Partial = true
		out.Error = rec.Err.Error()
	}
	return out
}
