package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(gateDecisionsTotal, gateNotifyTotal) }

var gateDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_gate_decisions_total",
		Help: "Gate decisions by stage and outcome (approved, rejected, timeout_approved, timeout_failed).",
	},
	[]string{"stage", "outcome"},
)

var gateNotifyTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_gate_notifications_total",
		Help: "Operator notifications for pending gates, labeled by success.",
	},
	[]string{"status"},
)

func IncGateDecision(stage, outcome string) {
	gateDecisionsTotal.WithLabelValues(stage, norm(outcome)).Inc()
}

func IncGateNotify(status string) {
	gateNotifyTotal.WithLabelValues(norm(status)).Inc()
}
