package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// MemoryStore keeps jobs in a map guarded by an RWMutex. Reads hand out
// copies so callers can't mutate stored state.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	now  func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*model.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source; tests use it to age claims.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Create(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: duplicate id", job.ID)
	}
	now := m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.StatusQueued
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// mutate runs fn on the live record under the write lock, refusing terminal
// jobs.
func (m *MemoryStore) mutate(id string, fn func(job *model.Job, now time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	now := m.now()
	if err := fn(job, now); err != nil {
		return err
	}
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkProcessing(_ context.Context, id string, staleAfter time.Duration) (*model.Job, error) {
	var claimed *model.Job
	err := m.mutate(id, func(job *model.Job, now time.Time) error {
		if job.Status == model.StatusProcessing && (staleAfter <= 0 || now.Sub(job.UpdatedAt) < staleAfter) {
			return ErrInProgress
		}
		job.Status = model.StatusProcessing
		job.StartedAt = &now
		job.UpdatedAt = now
		claimed = job.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	return m.mutate(id, func(job *model.Job, _ time.Time) error {
		if job.Status == model.StatusProcessing {
			job.Status = model.StatusQueued
		}
		return nil
	})
}

func (m *MemoryStore) AppendProgress(_ context.Context, id string, entry model.ProgressEntry) (model.ProgressEntry, error) {
	err := m.mutate(id, func(job *model.Job, now time.Time) error {
		if entry.Percentage < job.LastPercentage() {
			return ErrProgressRegression
		}
		entry.Seq = len(job.Progress) + 1
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		job.Progress = append(job.Progress, entry)
		return nil
	})
	if err != nil {
		return model.ProgressEntry{}, err
	}
	return entry, nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, result *model.GenerationResult, final model.ProgressEntry) (model.ProgressEntry, error) {
	err := m.mutate(id, func(job *model.Job, now time.Time) error {
		if final.Percentage < job.LastPercentage() {
			return ErrProgressRegression
		}
		final.Seq = len(job.Progress) + 1
		if final.Timestamp.IsZero() {
			final.Timestamp = now
		}
		job.Progress = append(job.Progress, final)
		job.Status = model.StatusCompleted
		job.Result = result
		job.Stages = append([]model.StageResult(nil), result.Stages...)
		job.Error = nil
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return model.ProgressEntry{}, err
	}
	return final, nil
}

func (m *MemoryStore) Fail(_ context.Context, id string, jobErr model.JobError, stages []model.StageResult) error {
	return m.mutate(id, func(job *model.Job, now time.Time) error {
		job.Status = model.StatusFailed
		e := jobErr
		job.Error = &e
		if stages != nil {
			job.Stages = append([]model.StageResult(nil), stages...)
		}
		job.CompletedAt = &now
		return nil
	})
}

func (m *MemoryStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, ErrNotFound
	}
	job.Attempts++
	job.UpdatedAt = m.now()
	return job.Attempts, nil
}

// SetArtifact is allowed on terminal jobs since archiving happens after
// completion.
func (m *MemoryStore) SetArtifact(_ context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.ArtifactKey = key
	job.UpdatedAt = m.now()
	return nil
}
