package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

type fakeGenerator struct {
	name  string
	err   error
	calls int
}

func (f *fakeGenerator) Name() string { return f.name }

func (f *fakeGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	f.calls++
	if f.err != nil {
		return Response{}, f.err
	}
	return Response{Text: "from " + f.name}, nil
}

func TestChainFallsBackOnTransient(t *testing.T) {
	first := &fakeGenerator{name: "primary", err: apperr.Transient(errors.New("503"), 0)}
	second := &fakeGenerator{name: "backup"}
	chain, err := NewChain(zap.NewNop(), first, second)
	require.NoError(t, err)

	resp, err := chain.Generate(context.Background(), Request{Stage: model.StageDraft})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Text)
	assert.Equal(t, "backup", resp.Provider)
	assert.Equal(t, "primary>backup", chain.Name())
}

func TestChainStopsOnFatal(t *testing.T) {
	first := &fakeGenerator{name: "primary", err: apperr.Fatal(errors.New("400"))}
	second := &fakeGenerator{name: "backup"}
	chain, err := NewChain(nil, first, second)
	require.NoError(t, err)

	_, err = chain.Generate(context.Background(), Request{Stage: model.StageDraft})
	require.Error(t, err)
	assert.Equal(t, apperr.KindProviderFatal, apperr.KindOf(err))
	assert.Equal(t, 0, second.calls)
}

func TestChainUnclassifiedErrorIsFatal(t *testing.T) {
	chain, err := NewChain(nil, &fakeGenerator{name: "raw", err: errors.New("boom")})
	require.NoError(t, err)
	_, err = chain.Generate(context.Background(), Request{})
	assert.Equal(t, apperr.KindProviderFatal, apperr.KindOf(err))
}

func TestNewChainRequiresGenerator(t *testing.T) {
	_, err := NewChain(nil)
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, apperr.KindProviderTransient, apperr.KindOf(Classify(context.DeadlineExceeded)))
	assert.ErrorIs(t, Classify(context.Canceled), context.Canceled)
	assert.Equal(t, apperr.KindProviderFatal, apperr.KindOf(Classify(errors.New("x"))))
}

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIConfig{
		BaseURL:         srv.URL + "/v1",
		APIKey:          "sk-test",
		Model:           "test-model",
		Timeout:         5 * time.Second,
		CostPer1KTokens: 0.5,
	}, zap.NewNop())
}

func TestOpenAIGenerate(t *testing.T) {
	var got chatRequest
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"# Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1200,"completion_tokens":800}}`))
	})

	resp, err := client.Generate(context.Background(), Request{Stage: model.StageDraft, System: "sys", Prompt: "write"})
	require.NoError(t, err)
	assert.Equal(t, "# Hello", resp.Text)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 1200, resp.PromptTokens)
	assert.Equal(t, 800, resp.CompletionTokens)
	assert.InDelta(t, 1.0, resp.CostUSD, 1e-9)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "write", got.Messages[1].Content)
}

func TestOpenAIStatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		kind       apperr.Kind
		wantAfter  time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", kind: apperr.KindProviderTransient, wantAfter: 7 * time.Second},
		{name: "unavailable", status: http.StatusServiceUnavailable, kind: apperr.KindProviderTransient},
		{name: "bad request", status: http.StatusBadRequest, kind: apperr.KindProviderFatal},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: apperr.KindProviderFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			})
			_, err := client.Generate(context.Background(), Request{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.wantAfter, apperr.RetryAfterOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestOpenAIEmptyChoicesIsTransient(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := client.Generate(context.Background(), Request{Prompt: "x"})
	assert.Equal(t, apperr.KindProviderTransient, apperr.KindOf(err))
}

func TestStaticIsDeterministic(t *testing.T) {
	s := NewStatic()
	in := map[string]string{"topic": "home composting", "keywords": "compost bin, food scraps", "format": "how_to"}

	outline1, err := s.Generate(context.Background(), Request{Stage: model.StageOutline, Input: in})
	require.NoError(t, err)
	outline2, err := s.Generate(context.Background(), Request{Stage: model.StageOutline, Input: in})
	require.NoError(t, err)
	assert.Equal(t, outline1, outline2)
	assert.Contains(t, outline1.Text, "## How to get started with compost bin")

	in["outline"] = outline1.Text
	in["target_words"] = "800"
	d, err := s.Generate(context.Background(), Request{Stage: model.StageDraft, Input: in})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d.Text, "# Home Composting\n"))
	assert.Contains(t, d.Text, "![Illustration of home composting](home-composting.png)")
	assert.Contains(t, d.Text, "subscribe")
	assert.Positive(t, d.CompletionTokens)
}

func TestStaticSEOPolishReturnsMeta(t *testing.T) {
	resp, err := NewStatic().Generate(context.Background(), Request{
		Stage: model.StageSEOPolish,
		Input: map[string]string{"topic": "Home Composting 101", "keywords": "compost"},
	})
	require.NoError(t, err)
	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Text), &meta))
	assert.Equal(t, "home-composting-101", meta["slug"])
	assert.Equal(t, "compost", meta["focus_keyword"])
	assert.LessOrEqual(t, len(meta["meta_description"]), 160)
}

func TestStaticRequiresTopic(t *testing.T) {
	_, err := NewStatic().Generate(context.Background(), Request{Stage: model.StageDraft})
	assert.Equal(t, apperr.KindProviderFatal, apperr.KindOf(err))
}

func TestStaticKeywords(t *testing.T) {
	kws, err := StaticKeywords{}.Related(context.Background(), "Composting", nil)
	require.NoError(t, err)
	require.NotEmpty(t, kws)
	assert.Equal(t, "how to composting", kws[0].Term)
	assert.Equal(t, []string{"how to composting", "best composting"}, Terms(kws, 2))
}
