package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	versionsDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "update_pipeline",
		Name:      "versions_discovered_total",
		Help:      "Upstream versions discovered, by provider.",
	}, []string{"provider"})

	canaryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "update_pipeline",
		Name:      "canary_runs_total",
		Help:      "Canary runs executed, by final status.",
	}, []string{"status"})

	rolloutsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "update_pipeline",
		Name:      "rollouts_started_total",
		Help:      "Rollouts initiated, by channel.",
	}, []string{"channel"})

	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "update_pipeline",
		Name:      "rollbacks_total",
		Help:      "Rollouts rolled back, by channel.",
	}, []string{"channel"})

	activeRollouts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "update_pipeline",
		Name:      "active_rollouts",
		Help:      "Rollouts currently in state rolling_out.",
	})

	reposSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "update_pipeline",
		Name:      "repos_swept_total",
		Help:      "Repository sweep results, by status.",
	}, []string{"status"})

	pipelineErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "update_pipeline",
		Name:      "errors_total",
		Help:      "Errors surfaced through pipeline_error events.",
	})
)
