package pipeline

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
	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/provider"
	"github.com/dharsanguruparan/scribeflow/internal/validation"
)

// scriptedGen wraps the static generator and lets a test replace the
// behaviour of individual stages by call number.
type scriptedGen struct {
	mu     sync.Mutex
	static *provider.Static
	script map[model.Stage]func(call int) (string, error)
	calls  map[model.Stage]int
}

func newScriptedGen() *scriptedGen {
	return &scriptedGen{
		static: provider.NewStatic(),
		script: make(map[model.Stage]func(int) (string, error)),
		calls:  make(map[model.Stage]int),
	}
}

func (g *scriptedGen) Name() string { return "scripted" }

func (g *scriptedGen) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	g.mu.Lock()
	g.calls[req.Stage]++
	call := g.calls[req.Stage]
	fn := g.script[req.Stage]
	g.mu.Unlock()
	if fn != nil {
		text, err := fn(call)
		if err != nil {
			return provider.Response{}, err
		}
		if text != "" {
			return provider.Response{Text: text, Provider: g.Name(), CompletionTokens: 10}, nil
		}
	}
	return g.static.Generate(ctx, req)
}

func (g *scriptedGen) callsFor(stage model.Stage) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[stage]
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestOrchestrator(t *testing.T, gen provider.Generator, opts Options) *Orchestrator {
	t.Helper()
	exec := NewExecutor(gen, ExecutorOptions{MaxAttempts: 3, Sleep: noSleep, Logger: zaptest.NewLogger(t)})
	opts.Logger = zaptest.NewLogger(t)
	return New(exec, opts)
}

func testRequest(t *testing.T, mutate func(*model.GenerationRequest)) model.GenerationRequest {
	t.Helper()
	req := model.GenerationRequest{
		Topic:    "home composting",
		Keywords: []string{"compost bin", "food scraps"},
		Length:   model.LengthShort,
		TenantID: "tenant-1",
	}
	if mutate != nil {
		mutate(&req)
	}
	req, err := validation.Normalize(req)
	require.NoError(t, err)
	return req
}

type progressLog struct {
	mu      sync.Mutex
	entries []Progress
}

func (p *progressLog) sink(_ context.Context, e Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	return nil
}

func (p *progressLog) percentages() []int {
	out := make([]int, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.Percentage)
	}
	return out
}

func TestRunAllStagesSucceed(t *testing.T) {
	gen := newScriptedGen()
	orch := newTestOrchestrator(t, gen, Options{Keywords: provider.StaticKeywords{}})
	var log progressLog

	result, err := orch.Run(context.Background(), testRequest(t, nil), log.sink)
	require.NoError(t, err)

	require.Len(t, result.Stages, 5)
	for _, s := range result.Stages {
		assert.True(t, s.Succeeded, s.Stage)
		assert.Equal(t, 1, s.Attempts, s.Stage)
	}
	assert.Equal(t, []int{18, 36, 54, 72, 90, ScoringPercent}, log.percentages())
	assert.Equal(t, "Home Composting", result.Title)
	assert.NotEmpty(t, result.Excerpt)
	assert.Equal(t, "home-composting", result.SEO.Slug)
	assert.Equal(t, "compost bin", result.SEO.FocusKeyword)
	assert.Positive(t, result.TotalTokens)
	assert.NotEmpty(t, result.Quality.Grade)
	assert.Len(t, result.Quality.Dimensions, 6)
}

func TestEnhancementFailureIsSkipped(t *testing.T) {
	gen := newScriptedGen()
	gen.script[model.StageEnhance] = func(int) (string, error) {
		return "", apperr.Transient(errors.New("upstream busy"), 0)
	}
	orch := newTestOrchestrator(t, gen, Options{})

	result, err := orch.Run(context.Background(), testRequest(t, nil), nil)
	require.NoError(t, err)

	failed := 0
	for _, s := range result.Stages {
		if s.Stage == model.StageEnhance {
			failed++
			assert.False(t, s.Succeeded)
			assert.True(t, s.Skipped)
			assert.Equal(t, 3, s.Attempts)
			assert.Contains(t, s.Error, "upstream busy")
			continue
		}
		assert.True(t, s.Succeeded, s.Stage)
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, gen.callsFor(model.StageEnhance))
}

func TestDraftFailureIsFatal(t *testing.T) {
	gen := newScriptedGen()
	gen.script[model.StageDraft] = func(int) (string, error) {
		return "", apperr.Fatal(errors.New("content policy violation"))
	}
	orch := newTestOrchestrator(t, gen, Options{})
	var log progressLog

	result, err := orch.Run(context.Background(), testRequest(t, nil), log.sink)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, apperr.KindProviderFatal, apperr.KindOf(err))

	stages := StagesOf(err)
	require.Len(t, stages, 3)
	assert.Equal(t, model.StageDraft, stages[2].Stage)
	assert.False(t, stages[2].Succeeded)
	assert.Equal(t, 1, stages[2].Attempts, "fatal errors are not retried")

	require.NotEmpty(t, log.entries)
	last := log.entries[len(log.entries)-1]
	assert.Equal(t, string(model.StageDraft), last.Stage)
	assert.Equal(t, 54, last.Percentage)
	assert.Equal(t, 0, gen.callsFor(model.StageEnhance))
}

func TestExhaustedTransientOnFatalStageReportsFatal(t *testing.T) {
	gen := newScriptedGen()
	gen.script[model.StageOutline] = func(int) (string, error) {
		return "", apperr.Transient(errors.New("timeout"), 0)
	}
	orch := newTestOrchestrator(t, gen, Options{})

	_, err := orch.Run(context.Background(), testRequest(t, nil), nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindProviderFatal, apperr.KindOf(err))
	assert.Equal(t, 3, gen.callsFor(model.StageOutline))
}

func TestFactCheckFallsBackToDraft(t *testing.T) {
	gen := newScriptedGen()
	gen.script[model.StageFactCheck] = func(int) (string, error) {
		return "", apperr.Fatal(errors.New("refused"))
	}
	orch := newTestOrchestrator(t, gen, Options{})
	req := testRequest(t, func(r *model.GenerationRequest) {
		r.Features.FactCheck = model.Bool(true)
	})

	result, err := orch.Run(context.Background(), req, nil)
	require.NoError(t, err)
	var fc *model.StageResult
	for i := range result.Stages {
		if result.Stages[i].Stage == model.StageFactCheck {
			fc = &result.Stages[i]
		}
	}
	require.NotNil(t, fc)
	assert.True(t, fc.Fallback)
	assert.NotContains(t, result.Body, "Results may vary")
}

func TestPolicyOverride(t *testing.T) {
	gen := newScriptedGen()
	gen.script[model.StageEnhance] = func(int) (string, error) {
		return "", apperr.Fatal(errors.New("refused"))
	}
	orch := newTestOrchestrator(t, gen, Options{Policies: map[model.Stage]Policy{model.StageEnhance: PolicyFatal}})

	_, err := orch.Run(context.Background(), testRequest(t, nil), nil)
	assert.Equal(t, apperr.KindProviderFatal, apperr.KindOf(err))
}

func TestRePassKeepsOriginalWhenWorse(t *testing.T) {
	gen := newScriptedGen()
	gen.script[model.StageEnhance] = func(call int) (string, error) {
		if call == 2 {
			return "# Tiny\n\nToo short.", nil
		}
		return "", nil
	}
	orch := newTestOrchestrator(t, gen, Options{})
	req := testRequest(t, func(r *model.GenerationRequest) { r.QualityTarget = 100 })

	result, err := orch.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.False(t, result.RePassApplied)
	assert.NotEqual(t, "Tiny", result.Title)
	last := result.Stages[len(result.Stages)-1]
	assert.Equal(t, model.StageEnhance, last.Stage)
	assert.True(t, last.RePass)
	assert.Equal(t, 2, gen.callsFor(model.StageEnhance))
}

func TestRePassReplacesResultWhenBetter(t *testing.T) {
	ctx := context.Background()
	baseline, err := newTestOrchestrator(t, newScriptedGen(), Options{}).Run(ctx, testRequest(t, nil), nil)
	require.NoError(t, err)
	strong := baseline.Body

	weakFirst := func(second func() (string, error)) *scriptedGen {
		gen := newScriptedGen()
		gen.script[model.StageEnhance] = func(call int) (string, error) {
			if call == 1 {
				return "# Notes\n\nA compost bin.", nil
			}
			return second()
		}
		return gen
	}
	req := testRequest(t, func(r *model.GenerationRequest) { r.QualityTarget = 100 })

	// With the re-pass refused the result is the weak article, scored as is.
	refused := weakFirst(func() (string, error) { return "", apperr.Fatal(errors.New("refused")) })
	weak, err := newTestOrchestrator(t, refused, Options{}).Run(ctx, req, nil)
	require.NoError(t, err)
	require.False(t, weak.RePassApplied)

	gen := weakFirst(func() (string, error) { return strong, nil })
	result, err := newTestOrchestrator(t, gen, Options{}).Run(ctx, req, nil)
	require.NoError(t, err)

	assert.True(t, result.RePassApplied)
	assert.Equal(t, strong, result.Body)
	assert.Equal(t, baseline.Title, result.Title)
	assert.NotEqual(t, weak.Title, result.Title)
	assert.Greater(t, result.Quality.Overall, weak.Quality.Overall)
	last := result.Stages[len(result.Stages)-1]
	assert.Equal(t, model.StageEnhance, last.Stage)
	assert.True(t, last.RePass)
	assert.True(t, last.Succeeded)
	assert.Equal(t, 2, gen.callsFor(model.StageEnhance))
}

func TestRePassFailureKeepsOriginal(t *testing.T) {
	gen := newScriptedGen()
	gen.script[model.StageEnhance] = func(call int) (string, error) {
		if call > 1 {
			return "", apperr.Fatal(errors.New("refused"))
		}
		return "", nil
	}
	orch := newTestOrchestrator(t, gen, Options{})
	req := testRequest(t, func(r *model.GenerationRequest) { r.QualityTarget = 100 })

	result, err := orch.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.False(t, result.RePassApplied)
	last := result.Stages[len(result.Stages)-1]
	assert.True(t, last.RePass)
	assert.True(t, last.Skipped)
}

func TestNoRePassWithoutTarget(t *testing.T) {
	gen := newScriptedGen()
	orch := newTestOrchestrator(t, gen, Options{})
	result, err := orch.Run(context.Background(), testRequest(t, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.callsFor(model.StageEnhance))
	for _, s := range result.Stages {
		assert.False(t, s.RePass)
	}
}

func TestSinkErrorStopsPipeline(t *testing.T) {
	gen := newScriptedGen()
	orch := newTestOrchestrator(t, gen, Options{})
	stop := errors.New("job is terminal")
	sink := func(_ context.Context, p Progress) error {
		if p.Stage == string(model.StageOutline) {
			return stop
		}
		return nil
	}

	_, err := orch.Run(context.Background(), testRequest(t, nil), sink)
	require.ErrorIs(t, err, stop)
	assert.Len(t, StagesOf(err), 2)
	assert.Equal(t, 0, gen.callsFor(model.StageDraft))
}

func TestSEOPolishParsesFencedJSON(t *testing.T) {
	gen := newScriptedGen()
	gen.script[model.StageSEOPolish] = func(int) (string, error) {
		return "```json\n{\"meta_title\":\"Composting at Home\",\"meta_description\":\"A short guide to turning food scraps into compost at home without smells or pests.\",\"slug\":\"composting-at-home\"}\n```", nil
	}
	orch := newTestOrchestrator(t, gen, Options{})

	result, err := orch.Run(context.Background(), testRequest(t, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "Composting at Home", result.SEO.MetaTitle)
	assert.Equal(t, "composting-at-home", result.SEO.Slug)
	assert.Equal(t, "compost bin", result.SEO.FocusKeyword)
}

func TestExecutorTimeoutIsTransient(t *testing.T) {
	blocking := generatorFunc(func(ctx context.Context, req provider.Request) (provider.Response, error) {
		<-ctx.Done()
		return provider.Response{}, ctx.Err()
	})
	exec := NewExecutor(blocking, ExecutorOptions{MaxAttempts: 1, StageTimeout: 10 * time.Millisecond, Sleep: noSleep})

	_, res, err := exec.Run(context.Background(), model.StageOutline, newDraft(testRequest(t, nil)))
	require.Error(t, err)
	assert.Equal(t, apperr.KindProviderTransient, apperr.KindOf(err))
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Succeeded)
}

func TestExecutorAdmissionDenialBacksOff(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)
	limiter := admission.NewLimiter(admission.NewMemoryStore(), admission.Options{
		Scope: "provider",
		Now:   func() time.Time { return now },
	})
	var waits []time.Duration
	exec := NewExecutor(provider.NewStatic(), ExecutorOptions{
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		Limiter:        limiter,
		CallsPerMinute: 1,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	})
	d := newDraft(testRequest(t, nil))

	_, _, err := exec.Run(context.Background(), model.StageResearch, d)
	require.NoError(t, err)

	_, res, err := exec.Run(context.Background(), model.StageResearch, d)
	require.Error(t, err)
	assert.Equal(t, apperr.KindProviderTransient, apperr.KindOf(err))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, waits)
}

func TestStagePercent(t *testing.T) {
	assert.Equal(t, 30, StagePercent(0, 3))
	assert.Equal(t, 90, StagePercent(2, 3))
	assert.Equal(t, 90, StagePercent(6, 7))
	assert.Equal(t, 12, StagePercent(0, 7))
}

func TestPromptsRenderForEveryStage(t *testing.T) {
	d := newDraft(testRequest(t, nil))
	for _, stage := range model.StageOrder {
		sys, user, err := renderPrompt(stage, d.templateData())
		require.NoError(t, err, stage)
		assert.Contains(t, sys, "professional")
		assert.NotEmpty(t, user, stage)
	}
}

type generatorFunc func(ctx context.Context, req provider.Request) (provider.Response, error)

func (f generatorFunc) Name() string { return "func" }

func (f generatorFunc) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	return f(ctx, req)
}
