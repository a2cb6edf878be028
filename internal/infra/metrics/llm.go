package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(llmTokens, llmCallSeconds, llmBudgetRejections) }

var (
	llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_llm_tokens_total",
			Help: "Tokens exchanged with text providers by LLM stages.",
		},
		[]string{"provider", "model", "direction"}, // direction: prompt|completion
	)

	llmCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_llm_call_seconds",
			Help:    "Latency of text generation calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model", "success"},
	)

	llmBudgetRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_llm_budget_rejections_total",
			Help: "Prompts failed before sending because they exceeded the stage token budget.",
		},
		[]string{"stage"},
	)
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func PrecheckBlocked(stage string) {
	llmBudgetRejections.WithLabelValues(stage).Inc()
}

// ObserveLLMCall records one generation call. Token counts are zero when
// the provider did not report usage.
func ObserveLLMCall(provider, model string, promptTokens, completionTokens int, took time.Duration, ok bool) {
	p, m := norm(provider), norm(model)
	if promptTokens > 0 {
		llmTokens.WithLabelValues(p, m, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		llmTokens.WithLabelValues(p, m, "completion").Add(float64(completionTokens))
	}
	llmCallSeconds.WithLabelValues(p, m, strconv.FormatBool(ok)).Observe(took.Seconds())
}
