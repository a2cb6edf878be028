package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(jobTransitionsTotal, stageDuration, stageResultsTotal) }

var jobTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_job_transitions_total",
		Help: "Committed job ledger transitions, labeled by transition name and resulting status.",
	},
	[]string{"transition", "status"},
)

var stageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Wall time of stage adapter calls.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
	[]string{"stage", "result"},
)

var stageResultsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_stage_results_total",
		Help: "Stage outcomes: success, skipped, failure, internal.",
	},
	[]string{"stage", "result"},
)

func IncTransition(name, status string) {
	jobTransitionsTotal.WithLabelValues(norm(name), norm(status)).Inc()
}

func ObserveStage(stage, result string, d time.Duration) {
	stageDuration.WithLabelValues(stage, norm(result)).Observe(d.Seconds())
	stageResultsTotal.WithLabelValues(stage, norm(result)).Inc()
}
