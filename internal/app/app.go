// Package app wires configuration into the components shared by the
// scribeflow binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/admission"
	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/artifacts"
	"github.com/dharsanguruparan/scribeflow/internal/config"
	"github.com/dharsanguruparan/scribeflow/internal/database"
	"github.com/dharsanguruparan/scribeflow/internal/gateway"
	"github.com/dharsanguruparan/scribeflow/internal/jobs"
	"github.com/dharsanguruparan/scribeflow/internal/pipeline"
	"github.com/dharsanguruparan/scribeflow/internal/provider"
	"github.com/dharsanguruparan/scribeflow/internal/quality"
	"github.com/dharsanguruparan/scribeflow/internal/queue"
	"github.com/dharsanguruparan/scribeflow/internal/quota"
	"github.com/dharsanguruparan/scribeflow/internal/ratelimit"
	"github.com/dharsanguruparan/scribeflow/internal/signing"
	"github.com/dharsanguruparan/scribeflow/internal/worker"
)

// App holds the long-lived collaborators built from one Config.
type App struct {
	Cfg       *config.Config
	Log       *zap.Logger
	Jobs      jobs.Store
	Hub       *jobs.Hub
	Pipeline  *pipeline.Orchestrator
	Quota     *quota.Ledger
	RateLimit *ratelimit.Limiter
	// Artifacts is nil when storage.endpoint is empty.
	Artifacts *artifacts.Storage
	Signer    *signing.Signer

	redis   redis.UniversalClient
	cancel  context.CancelFunc
	closers []func()
}

// New connects every configured backend. Call Close when done.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &App{
		Cfg:    cfg,
		Log:    log,
		Hub:    jobs.NewHub(64, log),
		Signer: signing.NewSigner([]byte(cfg.Signing.Secret), cfg.Signing.MaxSkew),
		cancel: cancel,
	}
	if err := a.openJobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	quotaStore, limitStore, err := a.openAdmission(ctx, bg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Quota = quota.NewLedger(quotaStore, cfg.Quota, log)
	a.RateLimit = ratelimit.New(limitStore, cfg.RateLimit, log, nil)
	if err := a.openArtifacts(ctx); err != nil {
		a.Close()
		return nil, err
	}

	gen, err := NewGenerator(cfg.Provider, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	providerGate := admission.NewLimiter(limitStore, admission.Options{
		Scope:    "provider",
		DenyKind: apperr.KindProviderTransient,
		Logger:   log,
	})
	a.Pipeline = NewPipeline(gen, cfg.Pipeline, providerGate, log)
	return a, nil
}

// NewGenerator builds the provider chain: the configured OpenAI-compatible
// endpoint, then the static generator when fallback is on or no endpoint
// is configured.
func NewGenerator(cfg config.ProviderConfig, log *zap.Logger) (provider.Generator, error) {
	var gens []provider.Generator
	if cfg.BaseURL != "" {
		gens = append(gens, provider.NewOpenAI(provider.OpenAIConfig{
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			Timeout:           cfg.Timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
			CostPer1KTokens:   cfg.CostPer1KTokens,
		}, log))
	}
	if cfg.BaseURL == "" || cfg.StaticFallback {
		gens = append(gens, provider.NewStatic())
	}
	if len(gens) == 1 {
		return gens[0], nil
	}
	return provider.NewChain(log, gens...)
}

// NewPipeline builds the orchestrator from the pipeline section. gate may be
// nil to leave provider calls ungated.
func NewPipeline(gen provider.Generator, cfg config.PipelineConfig, gate *admission.Limiter, log *zap.Logger) *pipeline.Orchestrator {
	exec := pipeline.NewExecutor(gen, pipeline.ExecutorOptions{
		StageTimeout:   cfg.StageTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Limiter:        gate,
		CallsPerMinute: cfg.ProviderCallsPerMinute,
		Logger:         log,
	})
	return pipeline.New(exec, pipeline.Options{
		Scorer:   quality.New(cfg.PassThreshold),
		Keywords: provider.StaticKeywords{},
		Logger:   log,
	})
}

func (a *App) openJobs(ctx context.Context) error {
	if a.Cfg.Postgres.DSN == "" {
		a.Log.Info("using in-memory job store")
		a.Jobs = jobs.NewMemoryStore()
		return nil
	}
	pool, err := database.Connect(ctx, a.Cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	db := database.OpenDB(pool)
	a.closers = append(a.closers, func() { _ = db.Close() })
	if err := database.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.Jobs = jobs.NewPostgresStore(db)
	return nil
}

func (a *App) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Cfg.Redis.Addr,
		Password: a.Cfg.Redis.Password,
		DB:       a.Cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.Cfg.Redis.Addr, err)
	}
	a.redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client, nil
}

// openAdmission returns the quota and rate-limit counter stores. Memory
// stores share one sweeper-backed instance per process.
func (a *App) openAdmission(ctx, bg context.Context) (admission.Store, admission.Store, error) {
	var mem *admission.MemoryStore
	pick := func(backend, prefix string) (admission.Store, error) {
		if backend == "redis" {
			client, err := a.redisClient(ctx)
			if err != nil {
				return nil, err
			}
			return admission.NewRedisStore(client, prefix), nil
		}
		if mem == nil {
			mem = admission.NewMemoryStore()
			go mem.RunSweeper(bg, time.Minute)
		}
		return mem, nil
	}
	quotaStore, err := pick(a.Cfg.Quota.Backend, "scribeflow:quota")
	if err != nil {
		return nil, nil, err
	}
	limitStore, err := pick(a.Cfg.RateLimit.Backend, "scribeflow:ratelimit")
	if err != nil {
		return nil, nil, err
	}
	return quotaStore, limitStore, nil
}

func (a *App) openArtifacts(ctx context.Context) error {
	if a.Cfg.Storage.Endpoint == "" {
		return nil
	}
	store, err := artifacts.New(a.Cfg.Storage)
	if err != nil {
		return err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return err
	}
	a.Artifacts = store
	return nil
}

// RedisOpt is the asynq connection for the redis section.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Cfg.Redis.Addr,
		Password: a.Cfg.Redis.Password,
		DB:       a.Cfg.Redis.DB,
	}
}

// Processor builds the worker entry point over the shared store and hub.
func (a *App) Processor() *worker.Processor {
	opts := worker.Options{
		StaleAfter: a.Cfg.Worker.StaleAfter,
		Hub:        a.Hub,
		Logger:     a.Log,
	}
	if a.Artifacts != nil {
		opts.Archive = a.Artifacts
	}
	return worker.NewProcessor(a.Jobs, a.Pipeline, opts)
}

// Local runs proc on an in-process pool until ctx is cancelled.
func (a *App) Local(ctx context.Context, proc *worker.Processor) *queue.LocalDispatcher {
	local := queue.NewLocalDispatcher(proc.Run, queue.LocalOptions{
		Workers:       a.Cfg.Worker.Concurrency,
		MaxDeliveries: a.Cfg.Worker.MaxDeliveries,
		OnExhausted:   proc.Exhaust,
		Logger:        a.Log,
	})
	local.Start(ctx)
	return local
}

// Dispatcher picks the delivery transport: inline, signed push, or asynq.
func (a *App) Dispatcher(ctx context.Context) queue.Dispatcher {
	switch {
	case a.Cfg.Server.Inline:
		a.Log.Info("dispatching jobs inline")
		local := a.Local(ctx, a.Processor())
		a.closers = append(a.closers, local.Wait)
		return local
	case a.Cfg.Server.PushURL != "":
		a.Log.Info("dispatching jobs by signed push", zap.String("url", a.Cfg.Server.PushURL))
		return queue.NewPushDispatcher(a.Cfg.Server.PushURL, a.Signer, nil)
	default:
		client := asynq.NewClient(a.RedisOpt())
		a.closers = append(a.closers, func() { _ = client.Close() })
		return queue.NewAsynqDispatcher(client, queue.AsynqOptions{
			Queue:    a.Cfg.Worker.Queue,
			MaxRetry: a.Cfg.Worker.MaxDeliveries - 1,
			Timeout:  a.Cfg.Worker.TaskTimeout,
		})
	}
}

// Gateway builds the request-facing service around dispatcher.
func (a *App) Gateway(dispatcher queue.Dispatcher) *gateway.Service {
	opts := gateway.Options{
		Store:      a.Jobs,
		Hub:        a.Hub,
		Dispatcher: dispatcher,
		Runner:     a.Pipeline,
		Quota:      a.Quota,
		Logger:     a.Log,
	}
	if a.Artifacts != nil {
		opts.Artifacts = a.Artifacts
	}
	return gateway.New(opts)
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() {
	a.cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
