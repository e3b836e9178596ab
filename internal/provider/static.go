package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// Static is a deterministic, offline generator driven entirely by
// Request.Input. It is the last link of the default chain and the only one
// used when no upstream is configured.
type Static struct{}

// NewStatic returns the static generator.
func NewStatic() *Static { return &Static{} }

func (s *Static) Name() string { return "static" }

func (s *Static) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	in := req.Input
	topic := strings.TrimSpace(in["topic"])
	if topic == "" {
		return Response{}, apperr.Fatal(fmt.Errorf("static generator: topic is required"))
	}
	var text string
	switch req.Stage {
	case model.StageResearch:
		text = researchNotes(topic, splitList(in["keywords"]))
	case model.StageOutline:
		text = outline(topic, focusOf(in), model.Format(in["format"]))
	case model.StageDraft:
		text = draft(topic, focusOf(in), in["outline"], atoi(in["target_words"], 1500))
	case model.StageEnhance:
		text = enhance(in["draft"], topic, focusOf(in))
	case model.StageFactCheck:
		text = factCheck(in["draft"])
	case model.StageCitations:
		text = cite(in["draft"], topic, splitList(in["keywords"]))
	case model.StageSEOPolish:
		text = seoMeta(topic, focusOf(in), in["draft"])
	default:
		return Response{}, apperr.Fatal(fmt.Errorf("static generator: unknown stage %q", req.Stage))
	}
	words := len(strings.Fields(text))
	return Response{
		Text:             text,
		Provider:         s.Name(),
		PromptTokens:     len(strings.Fields(req.Prompt)),
		CompletionTokens: words,
	}, nil
}

func focusOf(in map[string]string) string {
	if kws := splitList(in["keywords"]); len(kws) > 0 {
		return kws[0]
	}
	return in["topic"]
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func atoi(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func researchNotes(topic string, keywords []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Readers searching for %s want practical, step-by-step guidance.\n", topic)
	fmt.Fprintf(&b, "- Common questions cover getting started, typical costs and mistakes to avoid.\n")
	for _, kw := range keywords {
		fmt.Fprintf(&b, "- Cover %q with a concrete example.\n", kw)
	}
	return b.String()
}

func outline(topic, focus string, format model.Format) string {
	var sections []string
	switch format {
	case model.FormatHowTo:
		sections = []string{
			"What you need before you start",
			"How to get started with " + focus,
			"Step-by-step: " + topic,
			"Common mistakes to avoid",
			"Key takeaways",
		}
	case model.FormatListicle:
		sections = []string{
			"Why " + focus + " matters",
			"7 ideas to try",
			"How to choose the right approach",
			"Key takeaways",
		}
	default:
		sections = []string{
			"Why " + focus + " matters",
			"How " + focus + " works",
			"Getting started",
			"Frequently asked questions",
			"Key takeaways",
		}
	}
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "## %s\n", s)
	}
	return b.String()
}

func draft(topic, focus, outlineText string, targetWords int) string {
	var sections []string
	for _, line := range strings.Split(outlineText, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			sections = append(sections, strings.TrimSpace(strings.TrimLeft(line, "#")))
		} else if line != "" {
			sections = append(sections, strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. ")))
		}
	}
	if len(sections) == 0 {
		sections = []string{"Why " + focus + " matters", "Getting started", "Key takeaways"}
	}
	// Each generated paragraph is roughly 45 words.
	perSection := targetWords / (len(sections) * 45)
	if perSection < 1 {
		perSection = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", titleCase(topic))
	fmt.Fprintf(&b, "This guide explains %s in plain terms. You will learn why %s matters, how to get started, and which mistakes to avoid along the way. Ready to begin?\n\n", topic, focus)
	fmt.Fprintf(&b, "![Illustration of %s](%s.png)\n\n", topic, slugify(topic))
	for i, section := range sections {
		fmt.Fprintf(&b, "## %s\n\n", section)
		for p := 0; p < perSection; p++ {
			fmt.Fprintf(&b, "%s\n\n", paragraph(focus, section, p))
		}
		if i == 1 {
			fmt.Fprintf(&b, "- Start small and build the habit over 2 weeks.\n- Measure one result, such as time saved or cost per month.\n- Review what worked after 30 days.\n\n")
		}
	}
	fmt.Fprintf(&b, "Put one idea from this guide into practice today, and subscribe to get the next article on %s.\n", focus)
	return b.String()
}

func paragraph(focus, section string, n int) string {
	variants := []string{
		"When it comes to %s, the basics matter more than any single trick. Focus on %s first, then add detail once the core steps feel natural. For example, set aside a short block of time each week and note what changes.",
		"Many readers find that %s becomes easier with a simple routine. Keep the section on %s in mind as you plan, and write down the one step you will take next. What would you try first?",
		"Your results with %s depend on steady practice rather than big gestures. Treat %s as a checklist you can return to, and adjust it as you learn what works in your situation.",
	}
	return fmt.Sprintf(variants[n%len(variants)], focus, strings.ToLower(section))
}

func enhance(draftText, topic, focus string) string {
	if strings.TrimSpace(draftText) == "" {
		return draftText
	}
	addition := fmt.Sprintf("For instance, imagine you have only 20 minutes a day for %s. Spending that time on one focused task will move you further than spreading it across five. How would your week look with that change?", focus)
	lines := strings.Split(draftText, "\n")
	out := make([]string, 0, len(lines)+2)
	inserted := false
	for i, line := range lines {
		out = append(out, line)
		// Insert after the intro paragraph, i.e. before the first H2.
		if !inserted && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "## ") {
			out = append(out, addition, "")
			inserted = true
		}
	}
	if !inserted {
		out = append(out, "", addition)
	}
	text := strings.Join(out, "\n")
	if !strings.Contains(strings.ToLower(text), "subscribe") {
		text += fmt.Sprintf("\nSubscribe for more guides on %s.\n", topic)
	}
	return text
}

func factCheck(draftText string) string {
	text := strings.ReplaceAll(draftText, " always ", " usually ")
	text = strings.ReplaceAll(text, " never ", " rarely ")
	return strings.TrimRight(text, "\n") + "\n\nResults may vary, and the figures above are general guidance that typically depends on your situation.\n"
}

func cite(draftText, topic string, keywords []string) string {
	if strings.TrimSpace(draftText) == "" {
		return draftText
	}
	subject := topic
	if len(keywords) > 0 {
		subject = keywords[0]
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(draftText, "\n"))
	b.WriteString("\n\n## Sources\n\n")
	fmt.Fprintf(&b, "[1] Editor to confirm: a current overview of %s from a recognized authority.\n\n", subject)
	fmt.Fprintf(&b, "[2] Editor to confirm: survey data on %s published within the last two years.\n", topic)
	return b.String()
}

func seoMeta(topic, focus, draftText string) string {
	title := titleCase(topic)
	if len([]rune(title)) > 60 {
		title = string([]rune(title)[:57]) + "..."
	}
	desc := fmt.Sprintf("Learn how %s works, how to get started, and which mistakes to avoid in this practical guide.", focus)
	if len([]rune(desc)) > 160 {
		desc = string([]rune(desc)[:157]) + "..."
	}
	data, _ := json.Marshal(map[string]string{
		"meta_title":       title,
		"meta_description": desc,
		"slug":             slugify(topic),
		"focus_keyword":    focus,
	})
	return string(data)
}

// slugify lowercases s and joins alphanumeric runs with hyphens.
func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Slugify is exported for the pipeline's static SEO fallback.
func Slugify(s string) string { return slugify(s) }
