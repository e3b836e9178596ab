// Package metrics declares the Prometheus collectors shared by the gateway
// and the worker. They register on the default registry, which /metrics
// serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeflow_jobs_total",
			Help: "Jobs reaching a terminal status, by status and error kind",
		},
		[]string{"status", "error_kind"},
	)

	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeflow_jobs_submitted_total",
			Help: "Generation requests accepted by the gateway, by mode",
		},
		[]string{"mode"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribeflow_job_duration_seconds",
			Help:    "Wall time from worker start to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribeflow_jobs_active",
			Help: "Jobs currently executing in this process",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribeflow_stage_duration_seconds",
			Help:    "Duration of a pipeline stage including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "outcome"},
	)

	StageAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeflow_stage_attempts_total",
			Help: "Provider calls made per stage",
		},
		[]string{"stage"},
	)

	AdmissionDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeflow_admission_denied_total",
			Help: "Requests denied by a quota or rate limit, by scope and resolution",
		},
		[]string{"scope", "resolution"},
	)

	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribeflow_quality_score",
			Help:    "Overall quality score of finished artifacts",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)
)
