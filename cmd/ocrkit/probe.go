package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ocrkit/internal/backend"
	"github.com/samcharles93/ocrkit/internal/backend/onnxrt"
)

type probeReport struct {
	Backend          string `json:"backend"`
	Compiled         bool   `json:"compiled"`
	RuntimeLibrary   string `json:"runtime_library,omitempty"`
	AcceleratorFound bool   `json:"accelerator_found"`
	AcceleratorPath  string `json:"accelerator_path,omitempty"`
	Available        string `json:"available"`
	CPUThreads       int    `json:"cpu_threads"`
}

func probeCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:   "probe",
		Usage:  "Report which accelerators this host can use",
		Before: setup,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "native-lib-dir",
				Usage:       "directory searched first for native runtime libraries",
				Destination: &nativeLibDir,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess := newSession()
			path, found := backend.FindAccelerator(sess.AcceleratorLibraries(), nativeLibDir)
			report := probeReport{
				Backend:          sess.Name(),
				Compiled:         onnxrt.Compiled(),
				RuntimeLibrary:   onnxrt.LibraryPath(nativeLibDir),
				AcceleratorFound: found,
				AcceleratorPath:  path,
				Available:        backend.Available(sess, nativeLibDir),
				CPUThreads:       backend.CPUThreads(),
			}

			w := outWriter(cmd)
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			_, _ = fmt.Fprintf(w, "backend:     %s (compiled: %t)\n", report.Backend, report.Compiled)
			if report.RuntimeLibrary != "" {
				_, _ = fmt.Fprintf(w, "runtime:     %s\n", report.RuntimeLibrary)
			}
			if found {
				_, _ = fmt.Fprintf(w, "accelerator: %s\n", path)
			} else {
				_, _ = fmt.Fprintln(w, "accelerator: not found")
			}
			_, _ = fmt.Fprintf(w, "available:   %s\n", report.Available)
			_, _ = fmt.Fprintf(w, "cpu threads: %d\n", report.CPUThreads)
			return nil
		},
	}
}
