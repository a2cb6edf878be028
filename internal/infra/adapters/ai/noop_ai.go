package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"content-pipeline/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

var _ adapter.TextGenerator = (*NoopGenerator)(nil)

// NoopGenerator returns a deterministic placeholder instead of calling a
// provider. It serves local runs and jobs submitted in testing mode.
type NoopGenerator struct {
	log   zerolog.Logger
	delay time.Duration
}

func NewNoopGenerator(log zerolog.Logger) *NoopGenerator {
	return &NoopGenerator{log: log.With().Str("component", "noop-ai").Logger(), delay: 50 * time.Millisecond}
}

// Generate echoes a digest of the prompt, so identical prompts and seeds
// always produce identical output.
func (a *NoopGenerator) Generate(ctx context.Context, model string, messages []adapter.Message, opts adapter.GenerateOptions) (string, adapter.Usage, error) {
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return "", adapter.Usage{}, ctx.Err()
	}

	h := fnv.New64a()
	var prompt string
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte(m.Content))
		if m.Role != "system" {
			prompt = m.Content
		}
	}
	fmt.Fprintf(h, "%d", opts.Seed)

	first := strings.TrimSpace(strings.SplitN(prompt, "\n", 2)[0])
	out := fmt.Sprintf("noop %x\n\n%s\n", h.Sum64(), first)
	a.log.Debug().Str("model", model).Int("messages", len(messages)).Msg("noop generation")

	in := len(strings.Fields(prompt))
	return out, adapter.Usage{PromptTokens: in, CompletionTokens: 3, TotalTokens: in + 3}, nil
}
