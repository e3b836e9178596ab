package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// Policy decides what happens when a stage exhausts its retry budget.
type Policy string

const (
	// PolicyFatal aborts the job.
	PolicyFatal Policy = "fatal"
	// PolicySkip keeps the prior content and continues.
	PolicySkip Policy = "skip"
	// PolicyFallback substitutes the stage's deterministic fallback.
	PolicyFallback Policy = "fallback-static"
)

// DefaultPolicies is the failure policy per stage.
func DefaultPolicies() map[model.Stage]Policy {
	return map[model.Stage]Policy{
		model.StageResearch:  PolicyFatal,
		model.StageOutline:   PolicyFatal,
		model.StageDraft:     PolicyFatal,
		model.StageEnhance:   PolicySkip,
		model.StageFactCheck: PolicyFallback,
		model.StageCitations: PolicySkip,
		model.StageSEOPolish: PolicySkip,
	}
}

type definition struct {
	stage     model.Stage
	maxTokens int
	// apply folds the generated text into the draft. An error means the
	// output was unusable and the stage counts as failed.
	apply func(d *Draft, text string) error
	// fallback is the cheap deterministic substitute used by
	// PolicyFallback. Nil means the draft is left untouched.
	fallback func(d *Draft)
}

var errEmptyOutput = errors.New("stage produced no usable content")

var definitions = map[model.Stage]definition{
	model.StageResearch: {
		stage:     model.StageResearch,
		maxTokens: 800,
		apply: func(d *Draft, text string) error {
			d.Research = strings.TrimSpace(text)
			return nil
		},
	},
	model.StageOutline: {
		stage:     model.StageOutline,
		maxTokens: 600,
		apply: func(d *Draft, text string) error {
			d.Outline = strings.TrimSpace(text)
			return nil
		},
	},
	model.StageDraft: {
		stage:     model.StageDraft,
		maxTokens: 6000,
		apply:     replaceBody,
	},
	model.StageEnhance: {
		stage:     model.StageEnhance,
		maxTokens: 6000,
		apply:     replaceBody,
	},
	model.StageFactCheck: {
		stage:     model.StageFactCheck,
		maxTokens: 6000,
		apply:     replaceBody,
	},
	model.StageCitations: {
		stage:     model.StageCitations,
		maxTokens: 6000,
		apply:     replaceBody,
	},
	model.StageSEOPolish: {
		stage:     model.StageSEOPolish,
		maxTokens: 300,
		apply:     applySEO,
		fallback: func(d *Draft) {
			title := extractTitle(d.Body, d.Request.Topic)
			d.SEO = deriveSEO(d.SEO, d.Request, title, extractExcerpt(d.Body, 160))
		},
	},
}

func replaceBody(d *Draft, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errEmptyOutput
	}
	d.Body = text + "\n"
	return nil
}

type seoPayload struct {
	MetaTitle       string `json:"meta_title"`
	MetaDescription string `json:"meta_description"`
	Slug            string `json:"slug"`
	FocusKeyword    string `json:"focus_keyword"`
}

// applySEO accepts a bare JSON object or one wrapped in a markdown fence.
func applySEO(d *Draft, text string) error {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var p seoPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return apperr.Fatal(fmt.Errorf("parse seo metadata: %w", err))
	}
	if p.MetaTitle == "" && p.MetaDescription == "" {
		return errEmptyOutput
	}
	d.SEO.MetaTitle = truncate(strings.TrimSpace(p.MetaTitle), 60)
	d.SEO.MetaDescription = truncate(strings.TrimSpace(p.MetaDescription), 160)
	d.SEO.Slug = strings.TrimSpace(p.Slug)
	d.SEO.FocusKeyword = strings.TrimSpace(p.FocusKeyword)
	return nil
}
