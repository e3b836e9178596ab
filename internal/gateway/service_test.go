package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dharsanguruparan/scribeflow/internal/admission"
	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/config"
	"github.com/dharsanguruparan/scribeflow/internal/jobs"
	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/pipeline"
	"github.com/dharsanguruparan/scribeflow/internal/provider"
	"github.com/dharsanguruparan/scribeflow/internal/queue"
	"github.com/dharsanguruparan/scribeflow/internal/quota"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg queue.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

type runnerFunc func(ctx context.Context, req model.GenerationRequest, sink pipeline.ProgressFunc) (*model.GenerationResult, error)

func (f runnerFunc) Run(ctx context.Context, req model.GenerationRequest, sink pipeline.ProgressFunc) (*model.GenerationResult, error) {
	return f(ctx, req, sink)
}

type fakePresigner struct{}

func (fakePresigner) PresignURL(_ context.Context, key string) (string, time.Time, error) {
	return "https://objects.example/" + key + "?sig=1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil
}

type fixture struct {
	svc        *Service
	store      *jobs.MemoryStore
	dispatcher *recordingDispatcher
	ledger     *quota.Ledger
}

func newFixture(t *testing.T, runner Runner) *fixture {
	t.Helper()
	if runner == nil {
		exec := pipeline.NewExecutor(provider.NewStatic(), pipeline.ExecutorOptions{MaxAttempts: 1})
		runner = pipeline.New(exec, pipeline.Options{Logger: zaptest.NewLogger(t)})
	}
	f := &fixture{
		store:      jobs.NewMemoryStore(),
		dispatcher: &recordingDispatcher{},
		ledger:     quota.NewLedger(admission.NewMemoryStore(), config.QuotaConfig{}, zaptest.NewLogger(t)),
	}
	ids := 0
	f.svc = New(Options{
		Store:        f.store,
		Hub:          jobs.NewHub(16, nil),
		Dispatcher:   f.dispatcher,
		Runner:       runner,
		Quota:        f.ledger,
		PollInterval: 10 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
		NewID: func() string {
			ids++
			return "job-" + string(rune('0'+ids))
		},
	})
	return f
}

func request(async bool) model.GenerationRequest {
	return model.GenerationRequest{
		Topic:    "urban beekeeping",
		Keywords: []string{"rooftop hives"},
		Length:   model.LengthShort,
		TenantID: "tenant-1",
		Async:    async,
	}
}

func hourUsage(t *testing.T, l *quota.Ledger) int64 {
	t.Helper()
	rep, err := l.Report(context.Background(), "tenant-1", "free")
	require.NoError(t, err)
	return rep.Usage[admission.Hour]
}

func TestSubmitAsyncQueuesWithoutRunning(t *testing.T) {
	blocked := runnerFunc(func(context.Context, model.GenerationRequest, pipeline.ProgressFunc) (*model.GenerationResult, error) {
		t.Error("async submit must not run the pipeline")
		return nil, errors.New("unexpected")
	})
	f := newFixture(t, blocked)

	sub, err := f.svc.Submit(context.Background(), request(true), "free")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, sub.Status)
	assert.Equal(t, "job-1", sub.JobID)
	assert.Nil(t, sub.Result)

	require.Len(t, f.dispatcher.msgs, 1)
	assert.Equal(t, "job-1", f.dispatcher.msgs[0].JobID)
	assert.NotEmpty(t, f.dispatcher.msgs[0].Request.Stages, "dispatched request is normalized")

	job, err := f.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.Equal(t, int64(1), hourUsage(t, f.ledger))
}

func TestSubmitSyncReturnsResult(t *testing.T) {
	f := newFixture(t, nil)

	sub, err := f.svc.Submit(context.Background(), request(false), "free")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sub.Status)
	require.NotNil(t, sub.Result)
	assert.NotEmpty(t, sub.Result.Body)
	assert.Empty(t, sub.JobID)
	assert.Empty(t, f.dispatcher.msgs)
}

func TestSubmitRejectsInvalidRequestBeforeQuota(t *testing.T) {
	f := newFixture(t, nil)
	req := request(true)
	req.Topic = "   "

	_, err := f.svc.Submit(context.Background(), req, "free")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, int64(0), hourUsage(t, f.ledger))
}

func TestSubmitQuotaExceeded(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 10; i++ {
		f.svc.newID = func() string { return "job-x" + string(rune('a'+i)) }
		_, err := f.svc.Submit(context.Background(), request(true), "free")
		require.NoError(t, err)
	}

	_, err := f.svc.Submit(context.Background(), request(true), "free")
	require.Error(t, err)
	assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))
	assert.Positive(t, apperr.RetryAfterOf(err))
	assert.Len(t, f.dispatcher.msgs, 10)
}

func TestSubmitWarnsNearQuota(t *testing.T) {
	f := newFixture(t, nil)
	var last *Submission
	for i := 0; i < 9; i++ {
		f.svc.newID = func() string { return "job-w" + string(rune('a'+i)) }
		sub, err := f.svc.Submit(context.Background(), request(true), "free")
		require.NoError(t, err)
		last = sub
	}
	assert.NotEmpty(t, last.Warnings)
}

func TestSubmitDispatchFailureFailsJobAndRefunds(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.err = errors.New("redis: connection refused")

	_, err := f.svc.Submit(context.Background(), request(true), "free")
	require.Error(t, err)
	assert.Equal(t, apperr.KindDeliveryExhausted, apperr.KindOf(err))
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "job-1", appErr.Details["job_id"])

	job, err := f.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, string(apperr.KindDeliveryExhausted), job.Error.Kind)
	assert.Equal(t, int64(0), hourUsage(t, f.ledger))
}

func TestJobHidesOtherTenants(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Submit(context.Background(), request(true), "free")
	require.NoError(t, err)

	job, err := f.svc.Job(context.Background(), "tenant-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)

	_, err = f.svc.Job(context.Background(), "tenant-2", "job-1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.svc.Job(context.Background(), "tenant-1", "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Submit(context.Background(), request(true), "free")
	require.NoError(t, err)

	job, err := f.svc.Cancel(context.Background(), "tenant-1", "job-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, string(apperr.KindCancelled), job.Error.Kind)

	_, err = f.svc.Cancel(context.Background(), "tenant-1", "job-1", "")
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
	assert.Equal(t, 409, apperr.HTTPStatus(apperr.KindOf(err)))
}

func TestStreamReplaysFinishedJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, request(true), "free")
	require.NoError(t, err)
	_, err = f.store.MarkProcessing(ctx, "job-1", 0)
	require.NoError(t, err)
	_, err = f.store.AppendProgress(ctx, "job-1", model.ProgressEntry{Stage: "research", Percentage: 30})
	require.NoError(t, err)
	_, err = f.store.Complete(ctx, "job-1", &model.GenerationResult{Title: "Bees", Body: "# Bees"}, model.ProgressEntry{Stage: "done", Percentage: 100, Message: "completed"})
	require.NoError(t, err)

	var got []int
	job, err := f.svc.Stream(ctx, "tenant-1", "job-1", 0, func(e model.ProgressEntry) error {
		got = append(got, e.Percentage)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.Equal(t, []int{30, 100}, got)

	_, err = f.svc.Stream(ctx, "tenant-2", "job-1", 0, func(model.ProgressEntry) error { return nil })
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestArtifactURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Submit(ctx, request(true), "free")
	require.NoError(t, err)

	_, err = f.svc.ArtifactURL(ctx, "tenant-1", "job-1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "storage disabled")

	f.svc.artifacts = fakePresigner{}
	_, err = f.svc.ArtifactURL(ctx, "tenant-1", "job-1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "nothing archived yet")

	require.NoError(t, f.store.SetArtifact(ctx, "job-1", "tenant-1/job-1.json"))
	link, err := f.svc.ArtifactURL(ctx, "tenant-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1/job-1.json", link.Key)
	assert.Contains(t, link.URL, "tenant-1/job-1.json")
	assert.False(t, link.ExpiresAt.IsZero())
}

func TestQuotaReport(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Submit(context.Background(), request(true), "free")
	require.NoError(t, err)

	rep, err := f.svc.Quota(context.Background(), "tenant-1", "free")
	require.NoError(t, err)
	assert.Equal(t, "free", rep.Tier)
	require.NotNil(t, rep.Remaining[admission.Hour])
	assert.Equal(t, int64(9), *rep.Remaining[admission.Hour])

	_, err = f.svc.Quota(context.Background(), "tenant-1", "platinum")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
