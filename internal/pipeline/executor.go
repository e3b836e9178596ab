package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/admission"
	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/metrics"
	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/provider"
	"github.com/dharsanguruparan/scribeflow/internal/tracing"
)

// ExecutorOptions configure retries and pacing for every stage.
type ExecutorOptions struct {
	StageTimeout time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration

	// Limiter gates provider calls per stage under key "provider:<stage>".
	// Nil disables gating.
	Limiter        *admission.Limiter
	CallsPerMinute int64

	Logger *zap.Logger
	// Sleep waits between attempts; tests replace it to run instantly.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs a single stage against the provider with timeouts and
// bounded retries.
type Executor struct {
	gen  provider.Generator
	opts ExecutorOptions
	log  *zap.Logger
}

// NewExecutor builds an Executor. Zero options fall back to conservative
// defaults.
func NewExecutor(gen provider.Generator, opts ExecutorOptions) *Executor {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 20 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{gen: gen, opts: opts, log: log.With(zap.String("component", "executor"))}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes stage. The returned StageResult is always populated, even on
// error, so callers can record how far the stage got.
func (e *Executor) Run(ctx context.Context, stage model.Stage, d *Draft) (string, model.StageResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "stage."+string(stage))
	defer span.End()
	span.SetAttributes(attribute.String("stage", string(stage)))

	start := time.Now()
	result := model.StageResult{Stage: stage}
	text, err := e.run(ctx, stage, d, &result)
	result.Elapsed = time.Since(start)
	span.SetAttributes(attribute.Int("attempts", result.Attempts))

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	} else {
		result.Succeeded = true
	}
	metrics.StageDuration.WithLabelValues(string(stage), outcome).Observe(result.Elapsed.Seconds())
	return text, result, err
}

func (e *Executor) run(ctx context.Context, stage model.Stage, d *Draft, result *model.StageResult) (string, error) {
	def, ok := definitions[stage]
	if !ok {
		return "", apperr.New(apperr.KindInternal, "unknown stage %q", stage)
	}
	system, prompt, err := renderPrompt(stage, d.templateData())
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "render prompt")
	}
	req := provider.Request{
		Stage:     stage,
		System:    system,
		Prompt:    prompt,
		Input:     d.input(),
		MaxTokens: def.maxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		result.Attempts = attempt

		resp, err := e.attempt(ctx, req)
		if err == nil {
			result.Provider = resp.Provider
			result.PromptTokens += resp.PromptTokens
			result.CompletionTokens += resp.CompletionTokens
			result.CostUSD += resp.CostUSD
			return resp.Text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !apperr.IsRetryable(err) || attempt == e.opts.MaxAttempts {
			break
		}

		wait := e.backoff(attempt, apperr.RetryAfterOf(err))
		e.log.Warn("stage attempt failed, retrying",
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.opts.MaxAttempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := e.opts.Sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("stage %s after %d attempt(s): %w", stage, result.Attempts, lastErr)
}

// attempt makes one gated, time-boxed provider call.
func (e *Executor) attempt(ctx context.Context, req provider.Request) (provider.Response, error) {
	if err := e.admit(ctx, req.Stage); err != nil {
		return provider.Response{}, err
	}
	metrics.StageAttempts.WithLabelValues(string(req.Stage)).Inc()

	callCtx, cancel := context.WithTimeout(ctx, e.opts.StageTimeout)
	defer cancel()
	resp, err := e.gen.Generate(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return provider.Response{}, apperr.Transient(fmt.Errorf("stage timeout after %s: %w", e.opts.StageTimeout, err), 0)
		}
		return provider.Response{}, provider.Classify(err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return provider.Response{}, apperr.Transient(errEmptyOutput, 0)
	}
	return resp, nil
}

// admit consumes one provider call from the stage budget. A denial becomes
// a transient failure whose retry hint floors the backoff. Store errors fail
// open so a Redis outage does not stall generation.
func (e *Executor) admit(ctx context.Context, stage model.Stage) error {
	if e.opts.Limiter == nil || e.opts.CallsPerMinute <= 0 {
		return nil
	}
	limits := []admission.Limit{{Resolution: admission.Minute, Max: e.opts.CallsPerMinute}}
	_, err := e.opts.Limiter.Admit(ctx, "provider:"+string(stage), limits, 1)
	switch {
	case err == nil:
		return nil
	case apperr.Is(err, apperr.KindRateLimited), apperr.Is(err, apperr.KindQuotaExceeded):
		return apperr.Transient(err, apperr.RetryAfterOf(err))
	default:
		e.log.Warn("provider admission unavailable, continuing", zap.String("stage", string(stage)), zap.Error(err))
		return nil
	}
}

// backoff is exponential with 10% jitter, capped at MaxBackoff and never
// shorter than the upstream's retry hint.
func (e *Executor) backoff(attempt int, floor time.Duration) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * e.opts.BaseBackoff
	if d > e.opts.MaxBackoff {
		d = e.opts.MaxBackoff
	}
	jitter := time.Duration(float64(d) * 0.1 * (2*rand.Float64() - 1))
	d += jitter
	if d < floor {
		d = floor
	}
	return d
}
