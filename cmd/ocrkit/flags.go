package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	modelsDir      string
	accelerator    string
	nativeLibDir   string
	cacheDir       string
	maxTokens      int64
	threads        int64
	precision      string
	gpuSettleDelay time.Duration
	logLevel       string
	logFormat      string
	debug          bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "models-dir",
			Aliases:     []string{"models", "m"},
			Usage:       "directory holding encoder, decoder, embeddings and vocabulary",
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "accelerator",
			Aliases:     []string{"backend"},
			Usage:       "accelerator policy (auto, cpu, gpu)",
			Value:       "auto",
			Destination: &accelerator,
		},
		&cli.StringFlag{
			Name:        "native-lib-dir",
			Usage:       "directory searched first for native runtime libraries",
			Destination: &nativeLibDir,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "writable directory for compiled model artifacts",
			Destination: &cacheDir,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Usage:       "upper bound on decoded tokens per image",
			Value:       300,
			Destination: &maxTokens,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Usage:       "CPU thread count (0 derives it from the host)",
			Destination: &threads,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "GPU precision hint (fp16, fp32)",
			Value:       "fp16",
			Destination: &precision,
		},
		&cli.DurationFlag{
			Name:        "gpu-settle-delay",
			Usage:       "wait after GPU teardown (0 uses the default, negative disables)",
			Destination: &gpuSettleDelay,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
