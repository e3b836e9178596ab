// Package gateway implements the request-facing operations: submitting
// generation work, reading and cancelling jobs, and reporting quota.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/jobs"
	"github.com/dharsanguruparan/scribeflow/internal/metrics"
	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/pipeline"
	"github.com/dharsanguruparan/scribeflow/internal/queue"
	"github.com/dharsanguruparan/scribeflow/internal/quota"
	"github.com/dharsanguruparan/scribeflow/internal/validation"
)

// Runner executes the pipeline inline for synchronous requests.
type Runner interface {
	Run(ctx context.Context, req model.GenerationRequest, sink pipeline.ProgressFunc) (*model.GenerationResult, error)
}

// Presigner hands out download links for archived artifacts.
type Presigner interface {
	PresignURL(ctx context.Context, key string) (string, time.Time, error)
}

// Options wire a Service. Artifacts may be nil when archiving is disabled.
type Options struct {
	Store      jobs.Store
	Hub        *jobs.Hub
	Dispatcher queue.Dispatcher
	Runner     Runner
	Quota      *quota.Ledger
	Artifacts  Presigner
	// PollInterval bounds how stale a stream can get when the worker runs
	// in another process.
	PollInterval time.Duration
	Logger       *zap.Logger
	NewID        func() string
}

// Service is shared by the HTTP API and the CLI.
type Service struct {
	store      jobs.Store
	hub        *jobs.Hub
	dispatcher queue.Dispatcher
	runner     Runner
	quota      *quota.Ledger
	artifacts  Presigner
	poll       time.Duration
	log        *zap.Logger
	newID      func() string
}

// New builds a Service.
func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Service{
		store:      opts.Store,
		hub:        opts.Hub,
		dispatcher: opts.Dispatcher,
		runner:     opts.Runner,
		quota:      opts.Quota,
		artifacts:  opts.Artifacts,
		poll:       poll,
		log:        log.With(zap.String("component", "gateway")),
		newID:      newID,
	}
}

// Submission is the outcome of Submit: a result for synchronous requests,
// a queued job id otherwise.
type Submission struct {
	JobID    string                  `json:"job_id,omitempty"`
	Status   model.JobStatus         `json:"status"`
	Result   *model.GenerationResult `json:"result,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
}

// Submit admits req against the tenant's quota and either runs it inline or
// queues it. One unit of quota is consumed per request; it is refunded only
// when the job never reached a worker.
func (s *Service) Submit(ctx context.Context, req model.GenerationRequest, tier string) (*Submission, error) {
	req, err := validation.Normalize(req)
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("tenant_id", req.TenantID))

	var warnings []string
	var admittedAt time.Time
	if s.quota != nil {
		dec, err := s.quota.Admit(ctx, req.TenantID, tier, 1)
		if err != nil {
			return nil, err
		}
		admittedAt = dec.At
		for _, w := range dec.Warnings {
			warnings = append(warnings, fmt.Sprintf("%s: %s quota %d/%d", w.Level, w.Resolution, w.Used, w.Limit))
		}
	}

	if !req.Async {
		metrics.JobsSubmitted.WithLabelValues("sync").Inc()
		result, err := s.runner.Run(ctx, req, nil)
		if err != nil {
			log.Warn("synchronous generation failed", zap.Error(err))
			return nil, err
		}
		return &Submission{Status: model.StatusCompleted, Result: result, Warnings: warnings}, nil
	}

	job := jobs.NewJob(s.newID(), req, time.Now().UTC())
	if err := s.store.Create(ctx, job); err != nil {
		s.refund(ctx, req.TenantID, tier, admittedAt, log)
		return nil, apperr.Wrap(apperr.KindInternal, err, "could not record job")
	}
	if err := s.dispatcher.Dispatch(ctx, queue.Message{JobID: job.ID, Request: req}); err != nil {
		log.Error("dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
		jobErr := model.JobError{Kind: string(apperr.KindDeliveryExhausted), Message: "dispatch failed: " + err.Error()}
		if ferr := s.store.Fail(context.WithoutCancel(ctx), job.ID, jobErr, nil); ferr != nil {
			log.Error("could not fail undispatched job", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		metrics.JobsTotal.WithLabelValues(string(model.StatusFailed), string(apperr.KindDeliveryExhausted)).Inc()
		s.refund(ctx, req.TenantID, tier, admittedAt, log)
		e := apperr.Wrap(apperr.KindDeliveryExhausted, err, "job could not be queued")
		e.Details = map[string]any{"job_id": job.ID}
		return nil, e
	}
	metrics.JobsSubmitted.WithLabelValues("async").Inc()
	log.Info("job queued", zap.String("job_id", job.ID))
	return &Submission{JobID: job.ID, Status: model.StatusQueued, Warnings: warnings}, nil
}

func (s *Service) refund(ctx context.Context, tenant, tier string, admittedAt time.Time, log *zap.Logger) {
	if s.quota == nil {
		return
	}
	if err := s.quota.Refund(context.WithoutCancel(ctx), tenant, tier, 1, admittedAt); err != nil {
		log.Warn("quota refund failed", zap.Error(err))
	}
}

// Job returns a job owned by tenant. Jobs of other tenants look missing.
func (s *Service) Job(ctx context.Context, tenant, id string) (*model.Job, error) {
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) || (err == nil && tenant != "" && job.TenantID != tenant) {
		return nil, apperr.New(apperr.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "could not load job")
	}
	return job, nil
}

// Stream emits the job's progress entries after sequence number after and
// returns the terminal job.
func (s *Service) Stream(ctx context.Context, tenant, id string, after int, emit func(model.ProgressEntry) error) (*model.Job, error) {
	if _, err := s.Job(ctx, tenant, id); err != nil {
		return nil, err
	}
	return jobs.Follow(ctx, s.store, s.hub, id, after, s.poll, emit)
}

// Cancel fails a queued or running job. The worker stops at its next stage
// boundary.
func (s *Service) Cancel(ctx context.Context, tenant, id, reason string) (*model.Job, error) {
	if _, err := s.Job(ctx, tenant, id); err != nil {
		return nil, err
	}
	err := jobs.Cancel(ctx, s.store, id, reason)
	if errors.Is(err, jobs.ErrTerminal) {
		return nil, apperr.New(apperr.KindCancelled, "job %s already finished", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "could not cancel job")
	}
	metrics.JobsTotal.WithLabelValues(string(model.StatusFailed), string(apperr.KindCancelled)).Inc()
	if s.hub != nil {
		s.hub.PublishStatus(id, model.StatusFailed)
	}
	s.log.Info("job cancelled", zap.String("job_id", id))
	return s.Job(ctx, tenant, id)
}

// Quota reports the tenant's budget.
func (s *Service) Quota(ctx context.Context, tenant, tier string) (quota.Report, error) {
	if s.quota == nil {
		return quota.Report{}, apperr.New(apperr.KindNotFound, "quota tracking disabled")
	}
	return s.quota.Report(ctx, tenant, tier)
}

// ArtifactLink is a presigned download for an archived result.
type ArtifactLink struct {
	JobID     string    `json:"job_id"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ArtifactURL presigns the archived artifact of a completed job.
func (s *Service) ArtifactURL(ctx context.Context, tenant, id string) (*ArtifactLink, error) {
	job, err := s.Job(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if s.artifacts == nil {
		return nil, apperr.New(apperr.KindNotFound, "artifact storage disabled")
	}
	if job.ArtifactKey == "" {
		return nil, apperr.New(apperr.KindNotFound, "job %s has no archived artifact", id)
	}
	u, expires, err := s.artifacts.PresignURL(ctx, job.ArtifactKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "could not presign artifact")
	}
	return &ArtifactLink{JobID: id, Key: job.ArtifactKey, URL: u, ExpiresAt: expires}, nil
}
