package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/jobs"
	"github.com/dharsanguruparan/scribeflow/internal/metrics"
	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/pipeline"
	"github.com/dharsanguruparan/scribeflow/internal/queue"
	"github.com/dharsanguruparan/scribeflow/internal/tracing"
)

// Runner executes the generation pipeline for one request.
// *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req model.GenerationRequest, sink pipeline.ProgressFunc) (*model.GenerationResult, error)
}

// Archiver stores a completed job somewhere durable and returns its key.
type Archiver interface {
	Archive(ctx context.Context, job *model.Job) (string, error)
}

// Options configure a Processor.
type Options struct {
	// StaleAfter lets a delivery reclaim a job stuck in processing.
	StaleAfter time.Duration
	Hub        *jobs.Hub
	// Archive is optional; nil skips archiving.
	Archive Archiver
	Logger  *zap.Logger
	// Now must agree with the job store's clock for stale checks.
	Now func() time.Time
}

// Processor is plugged into every delivery transport. Run is idempotent per
// job: redelivering a job that already finished is a no-op.
type Processor struct {
	store      jobs.Store
	runner     Runner
	hub        *jobs.Hub
	archive    Archiver
	staleAfter time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(store jobs.Store, runner Runner, opts Options) *Processor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		store:      store,
		runner:     runner,
		hub:        opts.Hub,
		archive:    opts.Archive,
		staleAfter: opts.StaleAfter,
		now:        now,
		log:        log.With(zap.String("component", "worker")),
	}
}

// commitError marks a progress write that failed for infrastructure
// reasons. The delivery is retried rather than the job failed.
type commitError struct{ err error }

func (e *commitError) Error() string { return "commit progress: " + e.err.Error() }

func (e *commitError) Unwrap() error { return e.err }

// Run processes one delivery of msg. A nil return means the delivery is
// done with, whatever the job outcome. Errors wrapping asynq.SkipRetry
// must not be redelivered; any other error should be.
func (p *Processor) Run(ctx context.Context, msg queue.Message) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "job.run", trace.WithAttributes(attribute.String("job_id", msg.JobID)))
	defer span.End()
	log := p.log.With(zap.String("job_id", msg.JobID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			p.fail(context.WithoutCancel(ctx), msg.JobID, apperr.New(apperr.KindInternal, "worker panic: %v", r), nil, log)
			err = fmt.Errorf("job %s panicked: %w", msg.JobID, asynq.SkipRetry)
		}
	}()

	job, err := p.store.Get(ctx, msg.JobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		log.Error("dispatched job does not exist", zap.String("error_kind", string(apperr.KindInternalInconsistency)))
		return apperr.Wrap(apperr.KindInternalInconsistency, asynq.SkipRetry, "job %s not found", msg.JobID)
	case err != nil:
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		log.Info("job already terminal, skipping delivery", zap.String("status", string(job.Status)))
		return nil
	}

	job, err = p.store.MarkProcessing(ctx, msg.JobID, p.staleAfter)
	switch {
	case errors.Is(err, jobs.ErrTerminal):
		return nil
	case errors.Is(err, jobs.ErrInProgress):
		// The owner finishes the job; a crashed owner's claim goes stale and
		// the transport's own redelivery reclaims it.
		log.Info("job claimed by another delivery")
		return fmt.Errorf("job %s: %w: %w", msg.JobID, err, asynq.SkipRetry)
	case err != nil:
		return fmt.Errorf("claim job: %w", err)
	}
	attempts, err := p.store.IncrementAttempts(ctx, job.ID)
	if err != nil {
		p.release(ctx, job.ID, log)
		return fmt.Errorf("count attempt: %w", err)
	}
	log = log.With(zap.Int("attempt", attempts))
	log.Info("job started", zap.String("tenant_id", job.TenantID))

	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()
	start := time.Now()

	result, runErr := p.runner.Run(ctx, job.Request, p.sink(job))
	if runErr != nil {
		return p.handleFailure(ctx, job.ID, runErr, start, log)
	}

	final, err := p.store.Complete(ctx, job.ID, result, model.ProgressEntry{
		Stage:      "done",
		Percentage: pipeline.DonePercent,
		Message:    "completed",
	})
	if errors.Is(err, jobs.ErrTerminal) {
		log.Info("job cancelled before it could complete")
		p.publishStatus(job.ID, model.StatusFailed)
		return nil
	}
	if err != nil {
		p.release(ctx, job.ID, log)
		return fmt.Errorf("complete job: %w", err)
	}
	p.publish(job.ID, final)
	p.publishStatus(job.ID, model.StatusCompleted)
	metrics.JobsTotal.WithLabelValues(string(model.StatusCompleted), "").Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	log.Info("job completed",
		zap.Float64("quality", result.Quality.Overall),
		zap.Bool("re_pass", result.RePassApplied),
		zap.Duration("elapsed", time.Since(start)),
	)

	p.archiveResult(ctx, job.ID, log)
	return nil
}

// sink commits each stage boundary before publishing it. Entries below the
// percentage already stored were reported by an earlier delivery and are
// not repeated.
func (p *Processor) sink(job *model.Job) pipeline.ProgressFunc {
	floor := job.LastPercentage()
	return func(ctx context.Context, pr pipeline.Progress) error {
		if pr.Percentage < floor {
			return nil
		}
		entry, err := p.store.AppendProgress(ctx, job.ID, model.ProgressEntry{
			Stage:      pr.Stage,
			Percentage: pr.Percentage,
			Message:    pr.Message,
		})
		switch {
		case errors.Is(err, jobs.ErrTerminal):
			return err
		case errors.Is(err, jobs.ErrProgressRegression):
			return nil
		case err != nil:
			return &commitError{err: err}
		}
		p.publish(job.ID, entry)
		return nil
	}
}

func (p *Processor) handleFailure(ctx context.Context, id string, runErr error, start time.Time, log *zap.Logger) error {
	var commitErr *commitError
	switch {
	case errors.Is(runErr, jobs.ErrTerminal):
		log.Info("job cancelled while running")
		p.publishStatus(id, model.StatusFailed)
		return nil
	case ctx.Err() != nil:
		// Shutdown or task timeout: hand the job back for redelivery.
		p.release(context.WithoutCancel(ctx), id, log)
		return fmt.Errorf("job %s interrupted: %w", id, ctx.Err())
	case errors.As(runErr, &commitErr):
		p.release(ctx, id, log)
		return fmt.Errorf("job %s: %w", id, runErr)
	}
	p.fail(ctx, id, runErr, pipeline.StagesOf(runErr), log)
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	return nil
}

// fail records a terminal failure. A job that is already terminal is left
// as it is.
func (p *Processor) fail(ctx context.Context, id string, cause error, stages []model.StageResult, log *zap.Logger) {
	kind := apperr.KindOf(cause)
	jobErr := model.JobError{Kind: string(kind), Message: cause.Error()}
	err := p.store.Fail(ctx, id, jobErr, stages)
	if errors.Is(err, jobs.ErrTerminal) {
		return
	}
	if err != nil {
		log.Error("could not record job failure", zap.Error(err))
		return
	}
	metrics.JobsTotal.WithLabelValues(string(model.StatusFailed), string(kind)).Inc()
	p.publishStatus(id, model.StatusFailed)
	log.Warn("job failed", zap.String("error_kind", string(kind)), zap.Error(cause))
}

// Exhaust fails a job whose delivery budget ran out. Transports call it once
// they stop retrying. A job held by a live claim belongs to another delivery
// and is left alone.
func (p *Processor) Exhaust(ctx context.Context, msg queue.Message, cause error) {
	log := p.log.With(zap.String("job_id", msg.JobID))
	job, err := p.store.Get(ctx, msg.JobID)
	if err != nil {
		log.Warn("could not load exhausted job", zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		return
	}
	if job.Status == model.StatusProcessing && !p.stale(job) {
		log.Info("delivery budget spent while another delivery owns the job")
		return
	}
	err = apperr.Wrap(apperr.KindDeliveryExhausted, cause, "delivery attempts exhausted")
	p.fail(ctx, msg.JobID, err, nil, log)
}

func (p *Processor) stale(job *model.Job) bool {
	return p.staleAfter > 0 && p.now().Sub(job.UpdatedAt) >= p.staleAfter
}

func (p *Processor) release(ctx context.Context, id string, log *zap.Logger) {
	if err := p.store.Release(ctx, id); err != nil && !errors.Is(err, jobs.ErrTerminal) {
		log.Warn("could not release job", zap.Error(err))
	}
}

func (p *Processor) archiveResult(ctx context.Context, id string, log *zap.Logger) {
	if p.archive == nil {
		return
	}
	job, err := p.store.Get(ctx, id)
	if err != nil {
		log.Warn("reload for archive failed", zap.Error(err))
		return
	}
	key, err := p.archive.Archive(ctx, job)
	if err != nil {
		log.Warn("archive failed", zap.Error(err))
		return
	}
	if err := p.store.SetArtifact(ctx, id, key); err != nil {
		log.Warn("record artifact key failed", zap.Error(err))
		return
	}
	log.Debug("artifact archived", zap.String("key", key))
}

func (p *Processor) publish(id string, entry model.ProgressEntry) {
	if p.hub != nil {
		p.hub.Publish(id, entry)
	}
}

func (p *Processor) publishStatus(id string, status model.JobStatus) {
	if p.hub != nil {
		p.hub.PublishStatus(id, status)
	}
}
