package pipeline

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/provider"
)

// Draft is the working context every stage reads and augments.
type Draft struct {
	Request         model.GenerationRequest
	RelatedKeywords []string
	Research        string
	Outline         string
	Body            string
	SEO             model.SEOMetadata
	Recommendations []string
}

func newDraft(req model.GenerationRequest) *Draft {
	return &Draft{Request: req}
}

func (d *Draft) clone() *Draft {
	cp := *d
	cp.RelatedKeywords = append([]string(nil), d.RelatedKeywords...)
	cp.Recommendations = append([]string(nil), d.Recommendations...)
	cp.SEO.Keywords = append([]string(nil), d.SEO.Keywords...)
	return &cp
}

// templateData feeds the prompt templates. Every key is always present so
// missingkey=error only catches typos in the templates.
func (d *Draft) templateData() map[string]any {
	r := d.Request
	return map[string]any{
		"Topic":           r.Topic,
		"Keywords":        r.KeywordList(),
		"FocusKeyword":    r.FocusKeyword(),
		"Tone":            string(r.Tone),
		"Format":          strings.ReplaceAll(string(r.Format), "_", "-"),
		"Category":        string(r.Category),
		"TargetWords":     r.Length.TargetWords(),
		"Instructions":    r.CustomInstructions,
		"RelatedKeywords": strings.Join(d.RelatedKeywords, ", "),
		"Research":        d.Research,
		"Outline":         d.Outline,
		"Draft":           d.Body,
		"Recommendations": bulletList(d.Recommendations),
	}
}

// input is the structured form of the same context handed to generators.
func (d *Draft) input() map[string]string {
	r := d.Request
	return map[string]string{
		"topic":           r.Topic,
		"keywords":        strings.Join(r.Keywords, ","),
		"tone":            string(r.Tone),
		"format":          string(r.Format),
		"category":        string(r.Category),
		"target_words":    strconv.Itoa(r.Length.TargetWords()),
		"instructions":    r.CustomInstructions,
		"related":         strings.Join(d.RelatedKeywords, ","),
		"research":        d.Research,
		"outline":         d.Outline,
		"draft":           d.Body,
		"recommendations": strings.Join(d.Recommendations, "\n"),
	}
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}

// extractTitle returns the first H1 in body, or the topic.
func extractTitle(body, topic string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			if t := strings.TrimSpace(line[2:]); t != "" {
				return t
			}
		}
	}
	return strings.TrimSpace(topic)
}

// extractExcerpt returns the first prose paragraph of body, truncated.
func extractExcerpt(body string, limit int) string {
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		switch para[0] {
		case '#', '!', '-', '*', '|', '>', '[':
			continue
		}
		return truncate(strings.Join(strings.Fields(para), " "), limit)
	}
	return ""
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit-3])) + "..."
}

// deriveSEO fills whatever metadata the seo_polish stage did not provide.
func deriveSEO(seo model.SEOMetadata, req model.GenerationRequest, title, excerpt string) model.SEOMetadata {
	if seo.MetaTitle == "" {
		seo.MetaTitle = truncate(title, 60)
	}
	if seo.MetaDescription == "" {
		seo.MetaDescription = truncate(excerpt, 160)
	}
	if seo.Slug == "" {
		seo.Slug = provider.Slugify(title)
	}
	if seo.FocusKeyword == "" {
		seo.FocusKeyword = req.FocusKeyword()
	}
	if len(seo.Keywords) == 0 {
		seo.Keywords = append([]string(nil), req.Keywords...)
	}
	return seo
}
