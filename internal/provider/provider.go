// Package provider defines the content-generation capability the pipeline
// calls and the implementations that back it.
package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// Request is one stage's call. Input carries the working draft fields the
// prompt was rendered from so non-LLM generators can work from structured
// data.
type Request struct {
	Stage     model.Stage
	System    string
	Prompt    string
	Input     map[string]string
	MaxTokens int
}

// Response is what a generator returns.
type Response struct {
	Text             string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Generator produces text for a stage prompt. Errors must be classified as
// apperr.KindProviderTransient (worth retrying) or apperr.KindProviderFatal.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Classify normalizes an arbitrary error into the provider taxonomy.
// Context deadline errors count as transient so the caller may retry;
// cancellation of the parent context is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch apperr.KindOf(err) {
	case apperr.KindProviderTransient, apperr.KindProviderFatal:
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(err, 0)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Fatal(err)
}

// Chain tries generators in order, moving to the next one only when the
// current one fails with a retryable error.
type Chain struct {
	generators []Generator
	log        *zap.Logger
}

// NewChain builds a fallback chain. At least one generator is required.
func NewChain(log *zap.Logger, generators ...Generator) (*Chain, error) {
	if len(generators) == 0 {
		return nil, errors.New("provider chain needs at least one generator")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{generators: generators, log: log}, nil
}

// Name lists the members, e.g. "openai>static".
func (c *Chain) Name() string {
	name := ""
	for i, g := range c.generators {
		if i > 0 {
			name += ">"
		}
		name += g.Name()
	}
	return name
}

// Generate walks the chain.
func (c *Chain) Generate(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for i, g := range c.generators {
		resp, err := g.Generate(ctx, req)
		if err == nil {
			if resp.Provider == "" {
				resp.Provider = g.Name()
			}
			return resp, nil
		}
		err = Classify(err)
		if ctx.Err() != nil {
			return Response{}, err
		}
		if !apperr.Is(err, apperr.KindProviderTransient) {
			return Response{}, fmt.Errorf("%s: %w", g.Name(), err)
		}
		lastErr = fmt.Errorf("%s: %w", g.Name(), err)
		if i < len(c.generators)-1 {
			c.log.Warn("provider failed, falling back",
				zap.String("provider", g.Name()),
				zap.String("next", c.generators[i+1].Name()),
				zap.String("stage", string(req.Stage)),
				zap.Error(err))
		}
	}
	return Response{}, lastErr
}
