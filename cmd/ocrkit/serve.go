package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ocrkit/internal/api"
	"github.com/samcharles93/ocrkit/internal/logger"
	"github.com/samcharles93/ocrkit/internal/metrics"
	"github.com/samcharles93/ocrkit/internal/webui"
)

var serveAddr string

func serveCmd() *cli.Command {
	var (
		readTimeout time.Duration
		storeSize   int64
		noUI        bool
	)

	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the OCR REST API",
		Before: setup,
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &serveAddr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "store-size",
				Usage:       "number of recent results kept for GET /v1/ocr/:id",
				Value:       api.DefaultStoreSize,
				Destination: &storeSize,
			},
			&cli.BoolFlag{
				Name:        "no-ui",
				Usage:       "do not serve the upload page at /",
				Destination: &noUI,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			rec := metrics.New()
			svc, err := newService(log, rec)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := svc.Open(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("error: initialize engine: %v", err), 1)
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.Error("engine shutdown failed", "error", err)
				}
			}()

			server := api.NewServer(svc, api.NewResultStore(int(storeSize)), rec.Handler())
			if !noUI {
				server.WithUI(webui.Handler())
			}
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", serveAddr)
			sc := echo.StartConfig{
				Address: serveAddr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
