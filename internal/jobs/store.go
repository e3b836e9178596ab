// Package jobs persists generation jobs and fans out their progress.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

var (
	// ErrNotFound is returned when no job has the given id.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned by conditional updates on a completed or
	// failed job. Workers treat it as a signal to stop.
	ErrTerminal = errors.New("job already terminal")
	// ErrInProgress means another worker holds a fresh claim on the job.
	ErrInProgress = errors.New("job is being processed")
	// ErrProgressRegression rejects an entry whose percentage is below the
	// last committed one.
	ErrProgressRegression = errors.New("progress percentage must not decrease")
)

// Store is the durable job record. Every mutating call is conditional on the
// job not being terminal.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	// MarkProcessing claims a queued job, or a processing job whose last
	// update is older than staleAfter. It returns the claimed job.
	MarkProcessing(ctx context.Context, id string, staleAfter time.Duration) (*model.Job, error)
	// Release hands a processing job back to queued so a redelivery can
	// claim it immediately.
	Release(ctx context.Context, id string) error
	// AppendProgress commits one entry and returns it with its sequence
	// number assigned.
	AppendProgress(ctx context.Context, id string, entry model.ProgressEntry) (model.ProgressEntry, error)
	// Complete appends final (normally the 100% entry) and marks the job
	// completed in one step, so a completed job always ends at 100 and a
	// failed one never does.
	Complete(ctx context.Context, id string, result *model.GenerationResult, final model.ProgressEntry) (model.ProgressEntry, error)
	// Fail records the classification. A nil stages slice keeps whatever
	// stage results are already stored.
	Fail(ctx context.Context, id string, jobErr model.JobError, stages []model.StageResult) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	SetArtifact(ctx context.Context, id, key string) error
}

// Cancel fails a job administratively. The running worker notices on its
// next progress commit and stops.
func Cancel(ctx context.Context, s Store, id, reason string) error {
	if reason == "" {
		reason = "cancelled by request"
	}
	return s.Fail(ctx, id, model.JobError{Kind: string(apperr.KindCancelled), Message: reason}, nil)
}

// NewJob builds a queued job for req.
func NewJob(id string, req model.GenerationRequest, now time.Time) *model.Job {
	return &model.Job{
		ID:        id,
		TenantID:  req.TenantID,
		Status:    model.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Progress:  []model.ProgressEntry{},
		Request:   req,
	}
}
