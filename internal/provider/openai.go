package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
)

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	Name              string
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerMinute int
	CostPer1KTokens   float64
	Temperature       float64
}

// OpenAI calls /chat/completions. It makes exactly one HTTP attempt per
// Generate; retry and backoff belong to the stage executor.
type OpenAI struct {
	cfg     OpenAIConfig
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	N           int           `json:"n,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAI builds a client. Requests are paced to RequestsPerMinute with a
// 20% burst allowance.
func NewOpenAI(cfg OpenAIConfig, log *zap.Logger) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		burst = max(5, cfg.RequestsPerMinute/5)
	}
	return &OpenAI{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With(zap.String("provider", cfg.Name)),
	}
}

func (o *OpenAI) Name() string { return o.cfg.Name }

func (o *OpenAI) Generate(ctx context.Context, req Request) (Response, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return Response{}, apperr.Transient(fmt.Errorf("rate limiter wait: %w", err), 0)
	}
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	body, err := json.Marshal(chatRequest{
		Model:       o.cfg.Model,
		Messages:    msgs,
		Temperature: o.cfg.Temperature,
		MaxTokens:   req.MaxTokens,
		N:           1,
	})
	if err != nil {
		return Response{}, apperr.Fatal(fmt.Errorf("marshal request: %w", err))
	}

	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, apperr.Fatal(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	httpResp, err := o.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Response{}, err
		}
		// Transport failures and timeouts are worth another try.
		return Response{}, apperr.Transient(fmt.Errorf("request failed: %w", err), 0)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return Response{}, apperr.Transient(fmt.Errorf("read response: %w", err), 0)
	}
	if httpResp.StatusCode != http.StatusOK {
		return Response{}, o.statusError(httpResp, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, apperr.Transient(fmt.Errorf("parse response: %w", err), 0)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return Response{}, apperr.Transient(errors.New("no content returned"), 0)
	}
	tokens := parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens
	o.log.Debug("completion received",
		zap.String("stage", string(req.Stage)),
		zap.Int("prompt_tokens", parsed.Usage.PromptTokens),
		zap.Int("completion_tokens", parsed.Usage.CompletionTokens))
	return Response{
		Text:             parsed.Choices[0].Message.Content,
		Provider:         o.cfg.Name,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		CostUSD:          float64(tokens) / 1000 * o.cfg.CostPer1KTokens,
	}, nil
}

func (o *OpenAI) statusError(resp *http.Response, body []byte) error {
	msg := fmt.Sprintf("status %d", resp.StatusCode)
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		msg = fmt.Sprintf("status %d: %s", resp.StatusCode, er.Error.Message)
	}
	err := errors.New(msg)
	if isStatusCodeRetryable(resp.StatusCode) {
		return apperr.Transient(err, parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return apperr.Fatal(err)
}

func isStatusCodeRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
