package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// PostgresStore keeps jobs in the generation_jobs table. Progress, stage
// results, the request and the result live in JSONB columns; every status
// change is a conditional UPDATE so terminal rows are never rewritten.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const jobColumns = `id, tenant_id, status, request, progress, stages, result,
	error_kind, error_message, attempts, artifact_key, created_at, started_at, completed_at, updated_at`

const notTerminal = `status NOT IN ('completed','failed')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job                       model.Job
		request, progress, stages []byte
		result                    []byte
		errKind, errMsg, artifact sql.NullString
		startedAt, completedAt    sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.TenantID, &job.Status, &request, &progress, &stages, &result,
		&errKind, &errMsg, &job.Attempts, &artifact, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(request, &job.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
	}
	if job.Progress == nil {
		job.Progress = []model.ProgressEntry{}
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &job.Stages); err != nil {
			return nil, fmt.Errorf("decode stages: %w", err)
		}
	}
	if len(result) > 0 {
		job.Result = &model.GenerationResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if errKind.Valid {
		job.Error = &model.JobError{Kind: errKind.String, Message: errMsg.String}
	}
	if artifact.Valid {
		job.ArtifactKey = artifact.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func (p *PostgresStore) Create(ctx context.Context, job *model.Job) error {
	now := p.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.StatusQueued
	}
	request, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, tenant_id, status, request, progress, stages, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'[]'::jsonb,'[]'::jsonb,0,$5,$6)
	`, job.ID, job.TenantID, job.Status, request, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// classify explains why a conditional update touched no rows.
func (p *PostgresStore) classify(ctx context.Context, id string) error {
	job, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	return nil
}

func (p *PostgresStore) MarkProcessing(ctx context.Context, id string, staleAfter time.Duration) (*model.Job, error) {
	now := p.now()
	staleBefore := now.Add(-staleAfter)
	if staleAfter <= 0 {
		// No reclaim: a processing row never qualifies.
		staleBefore = time.Time{}
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE generation_jobs
		SET status='processing', started_at=$2, updated_at=$2
		WHERE id=$1 AND (status='queued' OR (status='processing' AND updated_at < $3))
		RETURNING `+jobColumns, id, now, staleBefore)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := p.classify(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (p *PostgresStore) Release(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE generation_jobs SET status='queued', updated_at=$2
		WHERE id=$1 AND status='processing'
	`, id, p.now())
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return p.expectRow(ctx, res, id)
}

// AppendProgress assigns the next sequence number and enforces the
// non-decreasing percentage inside a single statement.
func (p *PostgresStore) AppendProgress(ctx context.Context, id string, entry model.ProgressEntry) (model.ProgressEntry, error) {
	now := p.now()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("encode progress: %w", err)
	}
	var seq int
	err = p.db.QueryRowContext(ctx, `
		UPDATE generation_jobs
		SET progress = progress || jsonb_build_array($2::jsonb || jsonb_build_object('seq', jsonb_array_length(progress) + 1)),
			updated_at = $4
		WHERE id=$1 AND `+notTerminal+`
			AND COALESCE((progress->-1->>'percentage')::int, 0) <= $3
		RETURNING jsonb_array_length(progress)
	`, id, payload, entry.Percentage, now).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		if err := p.classify(ctx, id); err != nil {
			return model.ProgressEntry{}, err
		}
		return model.ProgressEntry{}, ErrProgressRegression
	}
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("append progress: %w", err)
	}
	entry.Seq = seq
	return entry, nil
}

// Complete appends final and marks the job completed in one statement.
func (p *PostgresStore) Complete(ctx context.Context, id string, result *model.GenerationResult, final model.ProgressEntry) (model.ProgressEntry, error) {
	now := p.now()
	if final.Timestamp.IsZero() {
		final.Timestamp = now
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("encode result: %w", err)
	}
	stageResults := result.Stages
	if stageResults == nil {
		stageResults = []model.StageResult{}
	}
	stages, err := json.Marshal(stageResults)
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("encode stages: %w", err)
	}
	entry, err := json.Marshal(final)
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("encode progress: %w", err)
	}
	var seq int
	err = p.db.QueryRowContext(ctx, `
		UPDATE generation_jobs
		SET status='completed',
			result = $2::jsonb,
			stages = $3::jsonb,
			progress = progress || jsonb_build_array($4::jsonb || jsonb_build_object('seq', jsonb_array_length(progress) + 1)),
			error_kind = NULL,
			error_message = NULL,
			completed_at = $6,
			updated_at = $6
		WHERE id=$1 AND `+notTerminal+`
			AND COALESCE((progress->-1->>'percentage')::int, 0) <= $5
		RETURNING jsonb_array_length(progress)
	`, id, string(payload), string(stages), entry, final.Percentage, now).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		if err := p.classify(ctx, id); err != nil {
			return model.ProgressEntry{}, err
		}
		return model.ProgressEntry{}, ErrProgressRegression
	}
	if err != nil {
		return model.ProgressEntry{}, fmt.Errorf("complete job: %w", err)
	}
	final.Seq = seq
	return final, nil
}

func (p *PostgresStore) Fail(ctx context.Context, id string, jobErr model.JobError, stages []model.StageResult) error {
	var encoded []byte
	if stages != nil {
		var err error
		if encoded, err = json.Marshal(stages); err != nil {
			return fmt.Errorf("encode stages: %w", err)
		}
	}
	now := p.now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status='failed',
			stages = COALESCE($2::jsonb, stages),
			error_kind = $3,
			error_message = $4,
			completed_at = $5,
			updated_at = $5
		WHERE id=$1 AND `+notTerminal,
		id, nullableJSON(encoded), jobErr.Kind, jobErr.Message, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return p.expectRow(ctx, res, id)
}

func (p *PostgresStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := p.db.QueryRowContext(ctx, `
		UPDATE generation_jobs SET attempts = attempts + 1, updated_at=$2 WHERE id=$1 RETURNING attempts
	`, id, p.now()).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

func (p *PostgresStore) SetArtifact(ctx context.Context, id, key string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE generation_jobs SET artifact_key=$2, updated_at=$3 WHERE id=$1
	`, id, key, p.now())
	if err != nil {
		return fmt.Errorf("set artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set artifact: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) expectRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := p.classify(ctx, id); err != nil {
		return err
	}
	return nil
}

// nullableJSON turns an empty payload into SQL NULL so COALESCE keeps the
// stored value.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
