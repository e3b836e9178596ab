package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/scribeflow/internal/app"
	"github.com/dharsanguruparan/scribeflow/internal/config"
	"github.com/dharsanguruparan/scribeflow/internal/logger"
	"github.com/dharsanguruparan/scribeflow/internal/queue"
	"github.com/dharsanguruparan/scribeflow/internal/tracing"
	"github.com/dharsanguruparan/scribeflow/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker stopped", zap.Error(err))
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
	proc := a.Processor()

	g, gctx := errgroup.WithContext(ctx)

	server := asynq.NewServer(a.RedisOpt(), proc.ServerConfig(cfg.Worker))
	if err := server.Start(proc.Handler()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		server.Shutdown()
		return nil
	})

	if cfg.Worker.PushAddress != "" {
		local := a.Local(gctx, proc)
		mux := http.NewServeMux()
		mux.Handle(queue.PushPath, worker.PushHandler(a.Signer, local, cfg.Server.MaxBodyBytes, log))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		push := &http.Server{Addr: cfg.Worker.PushAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info("push endpoint listening", zap.String("address", cfg.Worker.PushAddress))
			if err := push.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := push.Shutdown(shutdownCtx)
			local.Wait()
			return err
		})
	}

	log.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency), zap.String("queue", cfg.Worker.Queue))
	return g.Wait()
}
