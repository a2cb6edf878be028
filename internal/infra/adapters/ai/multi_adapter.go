package ai

import (
	"context"
	"errors"
	"strings"

	"content-pipeline/internal/domain/ports/adapter"
)

var _ adapter.TextGenerator = (*MultiGenerator)(nil)

// MultiGenerator picks a provider per call from the model name. It backs
// the "auto" provider of LLM stages.
type MultiGenerator struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.TextGenerator
	modelToProvider map[string]string
}

func NewMultiGenerator(
	defaultProvider string,
	byProvider map[string]adapter.TextGenerator,
	modelToProvider map[string]string,
) *MultiGenerator {
	return &MultiGenerator{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

func (m *MultiGenerator) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

func (m *MultiGenerator) pick(model string) adapter.TextGenerator {
	if g := m.byProvider[m.resolveProvider(model)]; g != nil {
		return g
	}
	return m.byProvider[m.defaultProvider]
}

func (m *MultiGenerator) Generate(ctx context.Context, model string, messages []adapter.Message, opts adapter.GenerateOptions) (string, adapter.Usage, error) {
	g := m.pick(model)
	if g == nil {
		return "", adapter.Usage{}, errors.New("no text provider for model " + model)
	}
	return g.Generate(ctx, model, messages, opts)
}
