// Package validation turns raw generation requests into normalized, immutable
// model.GenerationRequest values. Shape checks run through a JSON schema;
// the semantic checks a schema can't express run afterwards.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

const (
	MaxTopicChars        = 500
	MaxKeywords          = 50
	MaxKeywordChars      = 100
	MaxInstructionsChars = 2000
)

const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["topic"],
  "properties": {
    "topic": {"type": "string", "minLength": 1, "maxLength": 500},
    "keywords": {
      "type": "array",
      "maxItems": 50,
      "items": {"type": "string", "minLength": 1, "maxLength": 100}
    },
    "tone": {"enum": ["professional", "casual", "friendly", "authoritative", "conversational"]},
    "length": {"enum": ["short", "medium", "long"]},
    "format": {"enum": ["article", "listicle", "how_to", "guide"]},
    "category": {"enum": ["general", "health", "financial", "legal"]},
    "tenant_id": {"type": "string", "maxLength": 128},
    "features": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "research": {"type": "boolean"},
        "fact_check": {"type": "boolean"},
        "citations": {"type": "boolean"},
        "seo_polish": {"type": "boolean"},
        "enhancement": {"type": "boolean"}
      }
    },
    "custom_instructions": {"type": "string", "maxLength": 2000},
    "quality_target": {"type": "number", "minimum": 0, "maximum": 100},
    "async": {"type": "boolean"}
  }
}`

var schema = mustCompile(requestSchema)

func mustCompile(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile request schema: %v", err))
	}
	return s
}

// Decode validates a raw JSON body against the request schema and returns
// the normalized request. tenantID, when non-empty, is the caller identity
// established by the transport and must agree with any tenant_id in the body.
func Decode(body []byte, tenantID string) (model.GenerationRequest, error) {
	var req model.GenerationRequest
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return req, apperr.Validation("request body is not valid JSON")
	}
	if !result.Valid() {
		fields := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			fields = append(fields, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		verr := apperr.Validation("request failed validation: %s", strings.Join(fields, "; "))
		verr.Details = map[string]any{"fields": fields}
		return req, verr
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, apperr.Validation("decode request: %v", err)
	}
	if tenantID != "" {
		if req.TenantID != "" && req.TenantID != tenantID {
			return req, apperr.Validation("tenant_id does not match the authenticated tenant")
		}
		req.TenantID = tenantID
	}
	return Normalize(req)
}

// Normalize applies defaults, trims and de-duplicates fields, enforces the
// semantic constraints and resolves the enabled stage list. It is safe to
// call on an already normalized request.
func Normalize(req model.GenerationRequest) (model.GenerationRequest, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		return req, apperr.Validation("topic is required")
	}
	if utf8.RuneCountInString(req.Topic) > MaxTopicChars {
		return req, apperr.Validation("topic exceeds %d characters", MaxTopicChars)
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return req, apperr.Validation("tenant_id is required")
	}
	keywords, err := normalizeKeywords(req.Keywords)
	if err != nil {
		return req, err
	}
	req.Keywords = keywords
	if utf8.RuneCountInString(req.CustomInstructions) > MaxInstructionsChars {
		return req, apperr.Validation("custom_instructions exceeds %d characters", MaxInstructionsChars)
	}
	if req.QualityTarget < 0 || req.QualityTarget > 100 {
		return req, apperr.Validation("quality_target must be within 0-100")
	}
	if req.Tone == "" {
		req.Tone = model.ToneProfessional
	}
	if req.Length == "" {
		req.Length = model.LengthMedium
	}
	if req.Format == "" {
		req.Format = model.FormatArticle
	}
	if req.Category == "" {
		req.Category = model.CategoryGeneral
	}
	req.Stages = ResolveStages(req.Features)
	return req, nil
}

func normalizeKeywords(in []string) ([]string, error) {
	if len(in) > MaxKeywords {
		return nil, apperr.Validation("at most %d keywords are allowed", MaxKeywords)
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			return nil, apperr.Validation("keywords must not be blank")
		}
		if utf8.RuneCountInString(kw) > MaxKeywordChars {
			return nil, apperr.Validation("keyword %q exceeds %d characters", kw, MaxKeywordChars)
		}
		key := strings.ToLower(kw)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	return out, nil
}

// ResolveStages turns feature toggles into the ordered stage list the
// orchestrator runs. Outline and draft always run.
func ResolveStages(f model.Features) []model.Stage {
	enabled := map[model.Stage]bool{
		model.StageResearch:  model.Enabled(f.Research, true),
		model.StageOutline:   true,
		model.StageDraft:     true,
		model.StageEnhance:   model.Enabled(f.Enhancement, true),
		model.StageFactCheck: model.Enabled(f.FactCheck, false),
		model.StageCitations: model.Enabled(f.Citations, false),
		model.StageSEOPolish: model.Enabled(f.SEOPolish, true),
	}
	stages := make([]model.Stage, 0, len(model.StageOrder))
	for _, s := range model.StageOrder {
		if enabled[s] {
			stages = append(stages, s)
		}
	}
	return stages
}
