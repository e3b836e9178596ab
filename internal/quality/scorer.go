// Package quality scores finished articles across six fixed dimensions. The
// scorer is a pure function of its input: no network, no randomness, no
// clock.
package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// Dimension names, also the keys of QualityReport.Dimensions.
const (
	Readability   = "readability"
	SEO           = "seo"
	Structure     = "structure"
	Trust         = "trust"
	Accessibility = "accessibility"
	Engagement    = "engagement"
)

// Weights sum to 1.
var Weights = map[string]float64{
	Readability:   0.20,
	SEO:           0.20,
	Structure:     0.15,
	Trust:         0.20,
	Accessibility: 0.10,
	Engagement:    0.15,
}

var dimensionOrder = []string{Readability, SEO, Structure, Trust, Accessibility, Engagement}

const (
	DefaultPassThreshold = 70.0
	DefaultTrustFloor    = 70.0
)

// Input is everything the scorer looks at.
type Input struct {
	Body            string
	Title           string
	MetaTitle       string
	MetaDescription string
	Keywords        []string
	FocusKeyword    string
	Category        model.Category
	TargetWords     int
}

// Scorer holds the thresholds. The zero value uses the defaults.
type Scorer struct {
	PassThreshold float64
	TrustFloor    float64
}

// New returns a Scorer with the given pass threshold, or the default when
// threshold is not positive.
func New(threshold float64) *Scorer {
	if threshold <= 0 {
		threshold = DefaultPassThreshold
	}
	return &Scorer{PassThreshold: threshold, TrustFloor: DefaultTrustFloor}
}

// Score produces the report. Only an empty or whitespace-only body is an
// error; any other text scores.
func (s *Scorer) Score(in Input) (model.QualityReport, error) {
	if strings.TrimSpace(in.Body) == "" {
		return model.QualityReport{}, apperr.Validation("cannot score empty content")
	}
	pass, floor := s.PassThreshold, s.TrustFloor
	if pass <= 0 {
		pass = DefaultPassThreshold
	}
	if floor <= 0 {
		floor = DefaultTrustFloor
	}
	if in.FocusKeyword == "" && len(in.Keywords) > 0 {
		in.FocusKeyword = in.Keywords[0]
	}
	if in.TargetWords <= 0 {
		in.TargetWords = model.LengthMedium.TargetWords()
	}

	doc := parse(in.Body)
	results := map[string]dimension{
		Readability:   scoreReadability(doc),
		SEO:           scoreSEO(doc, in),
		Structure:     scoreStructure(doc, in),
		Trust:         scoreTrust(doc),
		Accessibility: scoreAccessibility(doc),
		Engagement:    scoreEngagement(doc),
	}

	report := model.QualityReport{
		Dimensions:      make(map[string]model.DimensionScore, len(results)),
		WordCount:       doc.wordCount(),
		YMYL:            in.Category.YMYL(),
		Compliant:       true,
		CriticalIssues:  []string{},
		Recommendations: []string{},
	}
	var overall float64
	for _, name := range dimensionOrder {
		d := results[name]
		score := round1(clamp(d.score))
		recs := d.recs
		if recs == nil {
			recs = []string{}
		}
		report.Dimensions[name] = model.DimensionScore{Score: score, Weight: Weights[name], Recommendations: recs}
		overall += score * Weights[name]
	}
	report.Overall = round1(overall)
	report.Grade = grade(report.Overall)

	trust := report.Dimensions[Trust].Score
	if report.YMYL && trust < floor {
		report.Compliant = false
		report.CriticalIssues = append(report.CriticalIssues,
			fmt.Sprintf("trust score %.1f is below the %.0f floor required for %s content", trust, floor, in.Category))
	}
	if report.WordCount < in.TargetWords*3/10 {
		report.CriticalIssues = append(report.CriticalIssues,
			fmt.Sprintf("content has %d words, far below the %d word target", report.WordCount, in.TargetWords))
	}
	if report.Overall < pass-20 {
		report.CriticalIssues = append(report.CriticalIssues,
			fmt.Sprintf("overall score %.1f is far below the %.0f pass threshold", report.Overall, pass))
	}
	report.Passed = report.Compliant && report.Overall >= pass
	report.Recommendations = prioritized(report.Dimensions)
	return report, nil
}

type dimension struct {
	score float64
	recs  []string
}

func (d *dimension) add(points float64) { d.score += points }

func (d *dimension) penalize(points float64, rec string) {
	d.score -= points
	if rec != "" {
		d.recs = append(d.recs, rec)
	}
}

func (d *dimension) recommend(rec string) { d.recs = append(d.recs, rec) }

// prioritized lists recommendations of the weakest dimensions first.
func prioritized(dims map[string]model.DimensionScore) []string {
	names := append([]string(nil), dimensionOrder...)
	sort.SliceStable(names, func(i, j int) bool {
		return dims[names[i]].Score < dims[names[j]].Score
	})
	out := []string{}
	for _, name := range names {
		for _, rec := range dims[name].Recommendations {
			out = append(out, name+": "+rec)
		}
	}
	return out
}

func grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
