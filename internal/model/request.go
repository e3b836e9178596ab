// Package model contains the struct definitions shared by the gateway, the
// pipeline and the worker.
package model

import "strings"

// Tone, Length, Format and Category are named string types so the JSON wire
// values double as Go constants.
type (
	Tone     string
	Length   string
	Format   string
	Category string
)

const (
	ToneProfessional   Tone = "professional"
	ToneCasual         Tone = "casual"
	ToneFriendly       Tone = "friendly"
	ToneAuthoritative  Tone = "authoritative"
	ToneConversational Tone = "conversational"
)

const (
	LengthShort  Length = "short"
	LengthMedium Length = "medium"
	LengthLong   Length = "long"
)

const (
	FormatArticle  Format = "article"
	FormatListicle Format = "listicle"
	FormatHowTo    Format = "how_to"
	FormatGuide    Format = "guide"
)

const (
	CategoryGeneral   Category = "general"
	CategoryHealth    Category = "health"
	CategoryFinancial Category = "financial"
	CategoryLegal     Category = "legal"
)

// YMYL reports whether the category is subject to the trust floor.
func (c Category) YMYL() bool {
	switch c {
	case CategoryHealth, CategoryFinancial, CategoryLegal:
		return true
	}
	return false
}

// TargetWords is the approximate body length a Length asks for.
func (l Length) TargetWords() int {
	switch l {
	case LengthShort:
		return 800
	case LengthLong:
		return 3000
	default:
		return 1500
	}
}

// Features toggles optional stages. Pointers distinguish "not sent" from
// "explicitly false" so defaults can be applied during validation.
type Features struct {
	Research    *bool `json:"research,omitempty"`
	FactCheck   *bool `json:"fact_check,omitempty"`
	Citations   *bool `json:"citations,omitempty"`
	SEOPolish   *bool `json:"seo_polish,omitempty"`
	Enhancement *bool `json:"enhancement,omitempty"`
}

// Enabled returns the toggle value or def when unset.
func Enabled(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}

// Bool is a small helper for building Features literals.
func Bool(v bool) *bool { return &v }

// GenerationRequest is the caller-supplied input. It is never mutated once
// validation has normalized it; the worker receives a serialized copy.
type GenerationRequest struct {
	Topic              string   `json:"topic"`
	Keywords           []string `json:"keywords,omitempty"`
	Tone               Tone     `json:"tone,omitempty"`
	Length             Length   `json:"length,omitempty"`
	Format             Format   `json:"format,omitempty"`
	Category           Category `json:"category,omitempty"`
	TenantID           string   `json:"tenant_id"`
	Features           Features `json:"features,omitempty"`
	CustomInstructions string   `json:"custom_instructions,omitempty"`
	QualityTarget      float64  `json:"quality_target,omitempty"`
	Async              bool     `json:"async,omitempty"`
	Stages             []Stage  `json:"stages,omitempty"`
}

// FocusKeyword is the first keyword, or empty when none were given.
func (r GenerationRequest) FocusKeyword() string {
	if len(r.Keywords) == 0 {
		return ""
	}
	return r.Keywords[0]
}

// KeywordList renders the keywords as a comma separated string for prompts.
func (r GenerationRequest) KeywordList() string {
	return strings.Join(r.Keywords, ", ")
}
