package model

import (
	"time"
)

// JobStatus describes the job lifecycle. Only the worker moves a job out of
// queued; completed and failed are terminal.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProgressEntry is one line of the append-only progress log. Seq starts at 1
// and is what stream subscribers use to resume.
type ProgressEntry struct {
	Seq        int       `json:"seq"`
	Stage      string    `json:"stage"`
	Percentage int       `json:"percentage"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// JobError is the failure classification captured on a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is the durable record of one generation request.
type Job struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Status      JobStatus         `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Attempts    int               `json:"attempts"`
	Progress    []ProgressEntry   `json:"progress"`
	Stages      []StageResult     `json:"stages,omitempty"`
	Result      *GenerationResult `json:"result,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
	ArtifactKey string            `json:"artifact_key,omitempty"`
	Request     GenerationRequest `json:"request"`
}

// LastPercentage returns the most recent progress percentage, or 0.
func (j *Job) LastPercentage() int {
	if len(j.Progress) == 0 {
		return 0
	}
	return j.Progress[len(j.Progress)-1].Percentage
}

// Clone returns a deep enough copy that callers can't mutate store state.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Progress = append([]ProgressEntry(nil), j.Progress...)
	cp.Stages = append([]StageResult(nil), j.Stages...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return &cp
}
