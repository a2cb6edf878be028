package stages

import (
	"fmt"

	"content-pipeline/internal/config"
	"content-pipeline/internal/domain/ports/adapter"
)

// Deps are the collaborators stage adapters are built from.
type Deps struct {
	// Generators by provider name ("openai", "gemini", "noop").
	Generators   map[string]adapter.TextGenerator
	TestGen      adapter.TextGenerator
	Counter      adapter.TokenCounter
	Snapshots    SnapshotWriter
	Provider     string
	DefaultModel string
}

// Build turns the configured stage list into a registry, in config order.
func Build(cfgs []config.StageConfig, d Deps) (*Registry, error) {
	list := make([]adapter.StageAdapter, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Kind {
		case "command", "":
			list = append(list, NewCommandStage(c, d.Snapshots))
		case "llm":
			provider := c.LLM.Provider
			if provider == "" {
				provider = d.Provider
			}
			gen, ok := d.Generators[provider]
			if !ok {
				return nil, fmt.Errorf("stage %s: text provider %q is not configured", c.Name, provider)
			}
			s, err := NewLLMStage(c, d.DefaultModel, gen, d.TestGen, d.Counter)
			if err != nil {
				return nil, err
			}
			list = append(list, s)
		default:
			return nil, fmt.Errorf("stage %s: unknown kind %q", c.Name, c.Kind)
		}
	}
	return NewRegistry(list...)
}
