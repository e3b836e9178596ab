package pipeline

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/dharsanguruparan/scribeflow/internal/model"
)

const systemPrompt = "You are a senior content writer. Write in {{.Tone}} tone for a general web audience. " +
	"Return markdown only, without commentary about the task."

var stagePrompts = map[model.Stage]string{
	model.StageResearch: `Collect research notes for an article about "{{.Topic}}".
Focus keywords: {{.Keywords}}.
{{- if .RelatedKeywords}}
Related searches: {{.RelatedKeywords}}.
{{- end}}
Return a bullet list of facts, questions readers ask and angles worth covering.`,

	model.StageOutline: `Write a {{.Format}} outline for "{{.Topic}}" using H2 headings only.
Keywords: {{.Keywords}}.
{{- if .Research}}
Research notes:
{{.Research}}
{{- end}}`,

	model.StageDraft: `Write a complete {{.Format}} of about {{.TargetWords}} words on "{{.Topic}}".
Start with a single H1 title, follow the outline, use at least one list and end with a call to action.
Keywords: {{.Keywords}}.
Outline:
{{.Outline}}
{{- if .Instructions}}
Additional instructions: {{.Instructions}}
{{- end}}`,

	model.StageEnhance: `Improve the article below. Add concrete examples and reader questions, tighten long sentences and keep every heading.
{{- if .Recommendations}}
Address these review notes:
{{.Recommendations}}
{{- end}}

{{.Draft}}`,

	model.StageFactCheck: `Review the article below for unsupported or absolute claims. Soften claims that cannot be verified and return the full corrected article.

{{.Draft}}`,

	model.StageCitations: `Add numbered citation markers like [1] to factual claims in the article below and append a "Sources" section. Return the full article.

{{.Draft}}`,

	model.StageSEOPolish: `Write SEO metadata for the article below as a JSON object with keys meta_title (max 60 characters), meta_description (50 to 160 characters), slug and focus_keyword.
Focus keyword: {{.FocusKeyword}}.

{{.Draft}}`,
}

var (
	systemTemplate = template.Must(template.New("system").Option("missingkey=error").Parse(systemPrompt))
	stageTemplates = parsePrompts(stagePrompts)
)

func parsePrompts(src map[model.Stage]string) map[model.Stage]*template.Template {
	out := make(map[model.Stage]*template.Template, len(src))
	for stage, text := range src {
		out[stage] = template.Must(template.New(string(stage)).Option("missingkey=error").Parse(text))
	}
	return out
}

// renderPrompt returns the system and user prompts for stage.
func renderPrompt(stage model.Stage, data map[string]any) (string, string, error) {
	tmpl, ok := stageTemplates[stage]
	if !ok {
		return "", "", fmt.Errorf("no prompt for stage %q", stage)
	}
	var sys, user bytes.Buffer
	if err := systemTemplate.Execute(&sys, data); err != nil {
		return "", "", fmt.Errorf("render system prompt: %w", err)
	}
	if err := tmpl.Execute(&user, data); err != nil {
		return "", "", fmt.Errorf("render %s prompt: %w", stage, err)
	}
	return sys.String(), user.String(), nil
}
