package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ocrkit/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
	)

	return &cli.Command{
		Name:      "bench",
		Aliases:   []string{"benchmark"},
		Usage:     "Repeat recognition of one image and report latency",
		ArgsUsage: "IMAGE",
		Before:    setup,
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cmd.Args().Len() != 1 {
				return cli.Exit("error: bench takes exactly one image path", 1)
			}
			if benchRuns < 1 {
				return cli.Exit("error: --runs must be at least 1", 1)
			}
			path := cmd.Args().First()
			img, err := os.ReadFile(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read image: %v", err), 1)
			}

			svc, err := newService(log, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loadStart := time.Now()
			if err := svc.Open(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("error: initialize engine: %v", err), 1)
			}
			defer func() { _ = svc.Close() }()
			loadDuration := time.Since(loadStart)
			st := svc.Status()

			w := outWriter(cmd)
			_, _ = fmt.Fprintln(w, "=== ocrkit Benchmark ===")
			_, _ = fmt.Fprintf(w, "Model:    %s\n", st.Model)
			_, _ = fmt.Fprintf(w, "Image:    %s\n", path)
			_, _ = fmt.Fprintf(w, "Backend:  %s (encoder %s, decoder %s)\n", st.Backend, st.Encoder, st.Decoder)
			_, _ = fmt.Fprintf(w, "CPUs:     %d\n", runtime.NumCPU())
			_, _ = fmt.Fprintf(w, "Load:     %s\n", loadDuration.Round(time.Millisecond))
			_, _ = fmt.Fprintf(w, "Warmup:   %d runs\n", warmupRuns)
			_, _ = fmt.Fprintf(w, "Runs:     %d\n", benchRuns)
			_, _ = fmt.Fprintln(w)

			for i := range int(warmupRuns) {
				log.Debug("warmup run", "run", i+1)
				if _, err := svc.Recognize(ctx, bytes.NewReader(img)); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			type runResult struct {
				Total   time.Duration
				Encoder time.Duration
				Decoder time.Duration
				Steps   int
				Tokens  int
			}
			results := make([]runResult, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Debug("benchmark run", "run", i+1)
				rec, err := svc.Recognize(ctx, bytes.NewReader(img))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, runResult{
					Total:   rec.Duration,
					Encoder: rec.EncoderDuration,
					Decoder: rec.DecoderDuration,
					Steps:   rec.Steps,
					Tokens:  len(rec.Tokens),
				})
			}

			_, _ = fmt.Fprintln(w, "=== Results ===")
			_, _ = fmt.Fprintf(w, "%-6s %10s %10s %10s %8s %8s\n", "Run", "Total", "Encoder", "Decoder", "Steps", "Tokens")
			totals := make([]time.Duration, 0, len(results))
			for i, r := range results {
				_, _ = fmt.Fprintf(w, "%-6d %10s %10s %10s %8d %8d\n", i+1,
					r.Total.Round(time.Microsecond), r.Encoder.Round(time.Microsecond),
					r.Decoder.Round(time.Microsecond), r.Steps, r.Tokens)
				totals = append(totals, r.Total)
			}

			s := summarize(totals)
			_, _ = fmt.Fprintf(w, "\nLatency: mean %s, min %s, max %s\n",
				s.Mean.Round(time.Microsecond), s.Min.Round(time.Microsecond), s.Max.Round(time.Microsecond))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			_, _ = fmt.Fprintf(w, "Memory:  %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

type latencySummary struct {
	Mean time.Duration
	Min  time.Duration
	Max  time.Duration
}

func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	s := latencySummary{Min: samples[0], Max: samples[0]}
	var sum time.Duration
	for _, d := range samples {
		sum += d
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
	}
	s.Mean = sum / time.Duration(len(samples))
	return s
}
