// Package pipeline sequences the generation stages for one request, applies
// per-stage failure policies and scores the finished artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/apperr"
	"github.com/dharsanguruparan/scribeflow/internal/metrics"
	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/provider"
	"github.com/dharsanguruparan/scribeflow/internal/quality"
	"github.com/dharsanguruparan/scribeflow/internal/tracing"
	"github.com/dharsanguruparan/scribeflow/internal/validation"
)

// Progress percentages outside the per-stage range.
const (
	StagesPercent  = 90
	ScoringPercent = 95
	DonePercent    = 100
)

// Progress is one stage-boundary update.
type Progress struct {
	Stage      string
	Percentage int
	Message    string
}

// ProgressFunc receives stage-boundary updates in order. Returning an error
// stops the pipeline; the worker uses this for cooperative cancellation.
type ProgressFunc func(ctx context.Context, p Progress) error

// Options configure an Orchestrator.
type Options struct {
	// Policies override DefaultPolicies per stage.
	Policies map[model.Stage]Policy
	Scorer   *quality.Scorer
	// Keywords optionally enriches the research stage.
	Keywords provider.KeywordSource
	Logger   *zap.Logger
}

// Orchestrator runs the enabled stages of a request in order.
type Orchestrator struct {
	exec     *Executor
	policies map[model.Stage]Policy
	scorer   *quality.Scorer
	keywords provider.KeywordSource
	log      *zap.Logger
}

// Failure is returned when the pipeline aborts. Stages holds every stage
// result recorded up to and including the failing stage.
type Failure struct {
	Stage  model.Stage
	Stages []model.StageResult
	Err    error
}

func (f *Failure) Error() string { return fmt.Sprintf("pipeline aborted at %s: %v", f.Stage, f.Err) }

func (f *Failure) Unwrap() error { return f.Err }

// StagesOf returns the partial stage results carried by a pipeline error.
func StagesOf(err error) []model.StageResult {
	var f *Failure
	if errors.As(err, &f) {
		return f.Stages
	}
	return nil
}

// New builds an Orchestrator.
func New(exec *Executor, opts Options) *Orchestrator {
	policies := DefaultPolicies()
	for stage, p := range opts.Policies {
		policies[stage] = p
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = quality.New(0)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		exec:     exec,
		policies: policies,
		scorer:   scorer,
		keywords: opts.Keywords,
		log:      log.With(zap.String("component", "pipeline")),
	}
}

// StagePercent is the progress reported when stage index i of n finishes.
func StagePercent(i, n int) int {
	if n <= 0 {
		return StagesPercent
	}
	return StagesPercent * (i + 1) / n
}

// Run executes req. On a fatal stage failure it returns a *Failure wrapping
// an apperr.KindProviderFatal error. Errors returned by sink abort the run
// and are returned wrapped.
func (o *Orchestrator) Run(ctx context.Context, req model.GenerationRequest, sink ProgressFunc) (*model.GenerationResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", req.TenantID), attribute.String("topic", req.Topic))

	if sink == nil {
		sink = func(context.Context, Progress) error { return nil }
	}
	stages := req.Stages
	if len(stages) == 0 {
		stages = validation.ResolveStages(req.Features)
	}
	log := o.log.With(zap.String("tenant_id", req.TenantID))

	start := time.Now()
	d := newDraft(req)
	var results []model.StageResult

	for i, stage := range stages {
		if stage == model.StageResearch {
			o.enrich(ctx, d)
		}
		text, res, err := o.exec.Run(ctx, stage, d)
		if err == nil {
			if applyErr := definitions[stage].apply(d, text); applyErr != nil {
				res.Succeeded = false
				res.Error = applyErr.Error()
				err = applyErr
			}
		}
		if err != nil && ctx.Err() != nil {
			return nil, &Failure{Stage: stage, Stages: append(results, res), Err: ctx.Err()}
		}

		msg := fmt.Sprintf("%s completed", stage)
		if err != nil {
			policy := o.policies[stage]
			switch policy {
			case PolicySkip:
				res.Skipped = true
				msg = fmt.Sprintf("%s skipped: %v", stage, err)
			case PolicyFallback:
				if fb := definitions[stage].fallback; fb != nil {
					fb(d)
				}
				res.Fallback = true
				msg = fmt.Sprintf("%s fell back to static output: %v", stage, err)
			default:
				results = append(results, res)
				log.Error("fatal stage failure", zap.String("stage", string(stage)), zap.Error(err))
				fatal := apperr.Wrap(apperr.KindProviderFatal, err, "%s stage failed", stage)
				_ = sink(ctx, Progress{Stage: string(stage), Percentage: StagePercent(i, len(stages)), Message: fmt.Sprintf("%s failed: %v", stage, err)})
				return nil, &Failure{Stage: stage, Stages: results, Err: fatal}
			}
			log.Warn("stage failed, continuing", zap.String("stage", string(stage)), zap.String("policy", string(policy)), zap.Error(err))
		}
		results = append(results, res)
		if err := sink(ctx, Progress{Stage: string(stage), Percentage: StagePercent(i, len(stages)), Message: msg}); err != nil {
			return nil, &Failure{Stage: stage, Stages: results, Err: err}
		}
	}

	if d.Body == "" {
		return nil, &Failure{Stage: model.StageDraft, Stages: results, Err: apperr.New(apperr.KindProviderFatal, "pipeline produced no body")}
	}

	result, err := o.finalize(d, results)
	if err != nil {
		return nil, &Failure{Stage: model.StageSEOPolish, Stages: results, Err: err}
	}

	if o.wantsRePass(req, stages, result.Quality) {
		o.rePass(ctx, d, result)
	}
	result.TotalElapsed = time.Since(start)

	msg := fmt.Sprintf("scored %.1f (%s)", result.Quality.Overall, result.Quality.Grade)
	if err := sink(ctx, Progress{Stage: "quality", Percentage: ScoringPercent, Message: msg}); err != nil {
		return nil, &Failure{Stage: "quality", Stages: result.Stages, Err: err}
	}
	metrics.QualityScore.Observe(result.Quality.Overall)
	span.SetAttributes(attribute.Float64("quality.overall", result.Quality.Overall))
	return result, nil
}

// enrich adds related keywords from the SEO data source. Failures only
// reduce context.
func (o *Orchestrator) enrich(ctx context.Context, d *Draft) {
	if o.keywords == nil {
		return
	}
	kws, err := o.keywords.Related(ctx, d.Request.Topic, d.Request.Keywords)
	if err != nil {
		o.log.Warn("keyword enrichment unavailable", zap.Error(err))
		return
	}
	d.RelatedKeywords = provider.Terms(kws, 8)
}

// finalize builds the result from the draft and scores it.
func (o *Orchestrator) finalize(d *Draft, stages []model.StageResult) (*model.GenerationResult, error) {
	title := extractTitle(d.Body, d.Request.Topic)
	excerpt := extractExcerpt(d.Body, 160)
	d.SEO = deriveSEO(d.SEO, d.Request, title, excerpt)

	report, err := o.score(d, title)
	if err != nil {
		return nil, err
	}
	result := &model.GenerationResult{
		Title:   title,
		Body:    d.Body,
		Excerpt: excerpt,
		SEO:     d.SEO,
		Quality: report,
		Stages:  append([]model.StageResult(nil), stages...),
	}
	result.TotalTokens, result.TotalCostUSD = totals(result.Stages)
	return result, nil
}

func (o *Orchestrator) score(d *Draft, title string) (model.QualityReport, error) {
	return o.scorer.Score(quality.Input{
		Body:            d.Body,
		Title:           title,
		MetaTitle:       d.SEO.MetaTitle,
		MetaDescription: d.SEO.MetaDescription,
		Keywords:        d.Request.Keywords,
		FocusKeyword:    d.Request.FocusKeyword(),
		Category:        d.Request.Category,
		TargetWords:     d.Request.Length.TargetWords(),
	})
}

func (o *Orchestrator) wantsRePass(req model.GenerationRequest, stages []model.Stage, report model.QualityReport) bool {
	if req.QualityTarget <= 0 || report.Overall >= req.QualityTarget {
		return false
	}
	for _, s := range stages {
		if s == model.StageEnhance {
			return true
		}
	}
	return false
}

// rePass runs enhancement once more with the scorer's recommendations. The
// result only replaces the current one when the stage succeeds and scores at
// least as well.
func (o *Orchestrator) rePass(ctx context.Context, d *Draft, result *model.GenerationResult) {
	candidate := d.clone()
	candidate.Recommendations = result.Quality.Recommendations

	text, res, err := o.exec.Run(ctx, model.StageEnhance, candidate)
	res.RePass = true
	if err == nil {
		err = definitions[model.StageEnhance].apply(candidate, text)
	}
	if err != nil {
		res.Succeeded = false
		res.Skipped = true
		res.Error = err.Error()
		result.Stages = append(result.Stages, res)
		result.TotalTokens, result.TotalCostUSD = totals(result.Stages)
		o.log.Warn("quality re-pass failed, keeping original", zap.Error(err))
		return
	}

	title := extractTitle(candidate.Body, candidate.Request.Topic)
	excerpt := extractExcerpt(candidate.Body, 160)
	report, err := o.score(candidate, title)
	result.Stages = append(result.Stages, res)
	result.TotalTokens, result.TotalCostUSD = totals(result.Stages)
	if err != nil || report.Overall < result.Quality.Overall {
		o.log.Info("quality re-pass did not improve score, keeping original",
			zap.Float64("before", result.Quality.Overall),
			zap.Float64("after", report.Overall))
		return
	}

	*d = *candidate
	result.Title = title
	result.Body = candidate.Body
	result.Excerpt = excerpt
	result.SEO = candidate.SEO
	result.Quality = report
	result.RePassApplied = true
}

func totals(stages []model.StageResult) (int, float64) {
	tokens, cost := 0, 0.0
	for _, s := range stages {
		tokens += s.Tokens()
		cost += s.CostUSD
	}
	return tokens, cost
}
