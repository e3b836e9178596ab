// Package main is the entry point for the scribeflow API gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/api"
	"github.com/dharsanguruparan/scribeflow/internal/app"
	"github.com/dharsanguruparan/scribeflow/internal/config"
	"github.com/dharsanguruparan/scribeflow/internal/logger"
	"github.com/dharsanguruparan/scribeflow/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, nil, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := a.Gateway(a.Dispatcher(ctx))
	return api.New(cfg.Server, svc, a.RateLimit, log).Run(ctx)
}
