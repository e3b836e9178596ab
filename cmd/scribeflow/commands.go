package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/scribeflow/internal/app"
	"github.com/dharsanguruparan/scribeflow/internal/config"
	"github.com/dharsanguruparan/scribeflow/internal/gateway"
	"github.com/dharsanguruparan/scribeflow/internal/logger"
	"github.com/dharsanguruparan/scribeflow/internal/model"
	"github.com/dharsanguruparan/scribeflow/internal/pipeline"
	"github.com/dharsanguruparan/scribeflow/internal/quality"
	"github.com/dharsanguruparan/scribeflow/internal/validation"
)

func newGenerateCmd() *cobra.Command {
	var (
		req      model.GenerationRequest
		tone     string
		length   string
		format   string
		category string
		disable  []string
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an article, in-process or through the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Tone = model.Tone(tone)
			req.Length = model.Length(length)
			req.Format = model.Format(format)
			req.Category = model.Category(category)
			req.TenantID = tenantID
			if err := applyDisabled(&req.Features, disable); err != nil {
				return err
			}
			if serverURL == "" {
				return generateLocal(cmd, req)
			}
			return generateRemote(cmd, req, follow)
		},
	}
	cmd.Flags().StringVar(&req.Topic, "topic", "", "Article topic")
	cmd.Flags().StringSliceVarP(&req.Keywords, "keyword", "k", nil, "Target keyword; the first one is the focus keyword")
	cmd.Flags().StringVar(&tone, "tone", "", "professional, casual, friendly, authoritative or conversational")
	cmd.Flags().StringVar(&length, "length", "", "short, medium or long")
	cmd.Flags().StringVar(&format, "format", "", "article, listicle, how_to or guide")
	cmd.Flags().StringVar(&category, "category", "", "general, health, financial or legal")
	cmd.Flags().StringVar(&req.CustomInstructions, "instructions", "", "Extra instructions passed to every stage")
	cmd.Flags().Float64Var(&req.QualityTarget, "quality-target", 0, "Score below which one improvement pass runs")
	cmd.Flags().StringSliceVar(&disable, "disable", nil, "Optional stages to skip: research, fact_check, citations, seo_polish, enhancement")
	cmd.Flags().BoolVar(&req.Async, "async", false, "Queue the job on the gateway instead of waiting for the result")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "With --async, stream progress until the job finishes")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func applyDisabled(f *model.Features, names []string) error {
	off := model.Bool(false)
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case "research":
			f.Research = off
		case "fact_check":
			f.FactCheck = off
		case "citations":
			f.Citations = off
		case "seo_polish":
			f.SEOPolish = off
		case "enhancement":
			f.Enhancement = off
		default:
			return fmt.Errorf("unknown stage %q", name)
		}
	}
	return nil
}

func generateLocal(cmd *cobra.Command, req model.GenerationRequest) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Must("warn", "console")
	defer func() { _ = log.Sync() }()

	req.Async = false
	req, err = validation.Normalize(req)
	if err != nil {
		return err
	}
	gen, err := app.NewGenerator(cfg.Provider, log)
	if err != nil {
		return err
	}
	orch := app.NewPipeline(gen, cfg.Pipeline, nil, log)
	stderr := cmd.ErrOrStderr()
	result, err := orch.Run(cmd.Context(), req, func(_ context.Context, p pipeline.Progress) error {
		fmt.Fprintf(stderr, "%3d%%  %-10s %s\n", p.Percentage, p.Stage, p.Message)
		return nil
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func generateRemote(cmd *cobra.Command, req model.GenerationRequest, follow bool) error {
	ctx := cmd.Context()
	c := newClient(serverURL, tenantID, tier)
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if !req.Async {
		var result model.GenerationResult
		if err := c.call(ctx, http.MethodPost, "/v1/generate", body, &result); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}
	var sub gateway.Submission
	if err := c.call(ctx, http.MethodPost, "/v1/generate", body, &sub); err != nil {
		return err
	}
	for _, w := range sub.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	if !follow {
		return printJSON(cmd.OutOrStdout(), sub)
	}
	return followJob(cmd, c, sub.JobID)
}

func followJob(cmd *cobra.Command, c *client, id string) error {
	stderr := cmd.ErrOrStderr()
	if _, err := c.follow(cmd.Context(), id, func(e model.ProgressEntry) {
		fmt.Fprintf(stderr, "%3d%%  %-10s %s\n", e.Percentage, e.Stage, e.Message)
	}); err != nil {
		return err
	}
	var job model.Job
	if err := c.call(cmd.Context(), http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), job)
}

func newScoreCmd() *cobra.Command {
	var (
		in        quality.Input
		category  string
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "score FILE",
		Short: "Score a markdown file with the quality scorer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			in.Body = string(raw)
			in.Category = model.Category(category)
			if in.Title == "" {
				in.Title = firstHeading(in.Body)
			}
			if in.FocusKeyword == "" && len(in.Keywords) > 0 {
				in.FocusKeyword = in.Keywords[0]
			}
			report, err := quality.New(threshold).Score(in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "Document title, defaults to the first H1")
	cmd.Flags().StringVar(&in.MetaTitle, "meta-title", "", "SEO meta title")
	cmd.Flags().StringVar(&in.MetaDescription, "meta-description", "", "SEO meta description")
	cmd.Flags().StringSliceVarP(&in.Keywords, "keyword", "k", nil, "Target keyword")
	cmd.Flags().StringVar(&in.FocusKeyword, "focus", "", "Focus keyword, defaults to the first --keyword")
	cmd.Flags().StringVar(&category, "category", string(model.CategoryGeneral), "general, health, financial or legal")
	cmd.Flags().IntVar(&in.TargetWords, "target-words", 0, "Expected body length in words")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Pass threshold, defaults to 70")
	return cmd
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

func requireServer() error {
	if serverURL == "" {
		return fmt.Errorf("--server (or SCRIBEFLOW_SERVER) is required")
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job, optionally streaming its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireServer(); err != nil {
				return err
			}
			c := newClient(serverURL, tenantID, tier)
			if follow {
				return followJob(cmd, c, args[0])
			}
			var job model.Job
			if err := c.call(cmd.Context(), http.MethodGet, "/v1/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream progress until the job finishes")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireServer(); err != nil {
				return err
			}
			body, err := json.Marshal(map[string]string{"reason": reason})
			if err != nil {
				return err
			}
			var job model.Job
			c := newClient(serverURL, tenantID, tier)
			if err := c.call(cmd.Context(), http.MethodPost, "/v1/jobs/"+url.PathEscape(args[0])+"/cancel", body, &job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Recorded on the failed job")
	return cmd
}

func newQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show the tenant's remaining quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireServer(); err != nil {
				return err
			}
			var rep json.RawMessage
			c := newClient(serverURL, tenantID, tier)
			if err := c.call(cmd.Context(), http.MethodGet, "/v1/quota/"+url.PathEscape(tenantID), nil, &rep); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}
