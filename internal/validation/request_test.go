package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

func TestDecodeAppliesDefaults(t *testing.T) {
	req, err := Decode([]byte(`{"topic":"  Composting at home ","keywords":["compost","Compost","soil"]}`), "acme")
	require.NoError(t, err)

	assert.Equal(t, "Composting at home", req.Topic)
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, []string{"compost", "soil"}, req.Keywords)
	assert.Equal(t, model.ToneProfessional, req.Tone)
	assert.Equal(t, model.LengthMedium, req.Length)
	assert.Equal(t, model.FormatArticle, req.Format)
	assert.Equal(t, model.CategoryGeneral, req.Category)
	assert.Equal(t, []model.Stage{
		model.StageResearch, model.StageOutline, model.StageDraft, model.StageEnhance, model.StageSEOPolish,
	}, req.Stages)
}

func TestDecodeRejects(t *testing.T) {
	long := strings.Repeat("a", 501)
	tooMany := `[` + strings.TrimSuffix(strings.Repeat(`"k",`, 51), ",") + `]`

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"topic":`},
		{"missing topic", `{"keywords":["x"]}`},
		{"whitespace topic", `{"topic":"   "}`},
		{"topic too long", `{"topic":"` + long + `"}`},
		{"too many keywords", `{"topic":"x","keywords":` + tooMany + `}`},
		{"bad tone", `{"topic":"x","tone":"sarcastic"}`},
		{"unknown field", `{"topic":"x","stages":["draft"]}`},
		{"quality target out of range", `{"topic":"x","quality_target":120}`},
		{"blank keyword", `{"topic":"x","keywords":["  "]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.body), "acme")
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestDecodeTenantMismatch(t *testing.T) {
	_, err := Decode([]byte(`{"topic":"x","tenant_id":"other"}`), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_id")

	_, err = Decode([]byte(`{"topic":"x"}`), "")
	require.Error(t, err)
}

func TestResolveStagesHonorsToggles(t *testing.T) {
	stages := ResolveStages(model.Features{
		Research:    model.Bool(false),
		Enhancement: model.Bool(false),
		Citations:   model.Bool(true),
		FactCheck:   model.Bool(true),
		SEOPolish:   model.Bool(false),
	})
	assert.Equal(t, []model.Stage{model.StageOutline, model.StageDraft, model.StageFactCheck, model.StageCitations}, stages)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	first, err := Normalize(model.GenerationRequest{Topic: "x", TenantID: "t", Keywords: []string{"A", "a"}})
	require.NoError(t, err)
	second, err := Normalize(first)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
