package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ocrkit/internal/backend"
	"github.com/samcharles93/ocrkit/internal/backend/onnxrt"
	"github.com/samcharles93/ocrkit/internal/inference"
	"github.com/samcharles93/ocrkit/internal/logger"
	"github.com/samcharles93/ocrkit/internal/metrics"
	"github.com/samcharles93/ocrkit/internal/service"
)

const envModelsDir = "OCRKIT_MODELS_DIR"

// newSession is a seam for tests.
var newSession = func() backend.Session { return onnxrt.New() }

// setup runs before every subcommand: it applies the config file and puts
// the configured logger into the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: read config %s: %v", configPath(), err), 1)
	}
	applyConfig(cmd, cfg)

	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Build(errWriter(cmd), logFormat, logger.ParseLevel(level))
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}

func resolveModelsDir(flag string) (string, error) {
	dir := strings.TrimSpace(flag)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envModelsDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--models-dir is required unless %s is set", envModelsDir)
	}
	st, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("models path is not a directory: %s", dir)
	}
	return filepath.Clean(dir), nil
}

func newService(log logger.Logger, rec *metrics.Recorder) (*service.Service, error) {
	dir, err := resolveModelsDir(modelsDir)
	if err != nil {
		return nil, err
	}
	return service.New(service.Config{
		ModelsDir:    dir,
		CacheDir:     cacheDir,
		NativeLibDir: nativeLibDir,
		MaxTokens:    int(maxTokens),
		Metrics:      rec,
		Logger:       log,
		Engine: inference.Config{
			Backend:        newSession(),
			Accelerator:    accelerator,
			Threads:        int(threads),
			Precision:      precision,
			GPUSettleDelay: gpuSettleDelay,
		},
	})
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
