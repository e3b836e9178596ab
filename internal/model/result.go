package model

import "time"

// Stage names one unit of pipeline work.
type Stage string

const (
	StageResearch  Stage = "research"
	StageOutline   Stage = "outline"
	StageDraft     Stage = "draft"
	StageEnhance   Stage = "enhance"
	StageFactCheck Stage = "fact_check"
	StageCitations Stage = "citations"
	StageSEOPolish Stage = "seo_polish"
)

// StageOrder is the fixed order stages run in.
var StageOrder = []Stage{
	StageResearch,
	StageOutline,
	StageDraft,
	StageEnhance,
	StageFactCheck,
	StageCitations,
	StageSEOPolish,
}

// StageResult is the audit record for one executed stage.
type StageResult struct {
	Stage            Stage         `json:"stage"`
	Provider         string        `json:"provider,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	Elapsed          time.Duration `json:"elapsed_ns"`
	Attempts         int           `json:"attempts"`
	Succeeded        bool          `json:"succeeded"`
	Skipped          bool          `json:"skipped,omitempty"`
	Fallback         bool          `json:"fallback,omitempty"`
	RePass           bool          `json:"re_pass,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// Tokens is the sum of prompt and completion tokens.
func (s StageResult) Tokens() int { return s.PromptTokens + s.CompletionTokens }

// SEOMetadata is the search-facing block attached to a result.
type SEOMetadata struct {
	MetaTitle       string   `json:"meta_title"`
	MetaDescription string   `json:"meta_description"`
	Slug            string   `json:"slug"`
	FocusKeyword    string   `json:"focus_keyword,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
}

// DimensionScore is one scored quality dimension.
type DimensionScore struct {
	Score           float64  `json:"score"`
	Weight          float64  `json:"weight"`
	Recommendations []string `json:"recommendations"`
}

// QualityReport is the output of the scorer.
type QualityReport struct {
	Overall         float64                   `json:"overall"`
	Grade           string                    `json:"grade"`
	Passed          bool                      `json:"passed"`
	Compliant       bool                      `json:"compliant"`
	YMYL            bool                      `json:"ymyl"`
	WordCount       int                       `json:"word_count"`
	Dimensions      map[string]DimensionScore `json:"dimensions"`
	CriticalIssues  []string                  `json:"critical_issues"`
	Recommendations []string                  `json:"recommendations"`
}

// GenerationResult is the finished artifact.
type GenerationResult struct {
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	Excerpt       string        `json:"excerpt"`
	SEO           SEOMetadata   `json:"seo"`
	Quality       QualityReport `json:"quality"`
	Stages        []StageResult `json:"stages"`
	TotalTokens   int           `json:"total_tokens"`
	TotalCostUSD  float64       `json:"total_cost_usd"`
	TotalElapsed  time.Duration `json:"total_elapsed_ns"`
	RePassApplied bool          `json:"re_pass_applied"`
}
