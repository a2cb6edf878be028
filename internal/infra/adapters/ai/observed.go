package ai

import (
	"context"
	"time"

	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/infra/metrics"
)

type observedGenerator struct {
	provider string
	inner    adapter.TextGenerator
}

// NewObserved records token usage and latency of every call.
func NewObserved(provider string, inner adapter.TextGenerator) adapter.TextGenerator {
	return &observedGenerator{provider: provider, inner: inner}
}

func (o *observedGenerator) Generate(ctx context.Context, model string, messages []adapter.Message, opts adapter.GenerateOptions) (string, adapter.Usage, error) {
	start := time.Now()
	text, u, err := o.inner.Generate(ctx, model, messages, opts)
	metrics.ObserveLLMCall(o.provider, model, u.PromptTokens, u.CompletionTokens, time.Since(start), err == nil)
	return text, u, err
}
