package ai

import (
	"context"

	"content-pipeline/internal/domain/ports/adapter"

	"golang.org/x/sync/semaphore"
)

// Compile-time check
var _ adapter.TextGenerator = (*limitedGenerator)(nil)

type limitedGenerator struct {
	inner adapter.TextGenerator
	sem   *semaphore.Weighted
}

// NewLimited caps concurrent calls to inner. Waiting callers give up when
// their context ends.
func NewLimited(inner adapter.TextGenerator, maxConcurrent int) adapter.TextGenerator {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedGenerator{inner: inner, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

func (l *limitedGenerator) Generate(ctx context.Context, model string, messages []adapter.Message, opts adapter.GenerateOptions) (string, adapter.Usage, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", adapter.Usage{}, err
	}
	defer l.sem.Release(1)
	return l.inner.Generate(ctx, model, messages, opts)
}
