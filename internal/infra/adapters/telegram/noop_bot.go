package telegram

import (
	"context"

	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

var _ adapter.OperatorNotifier = (*NoopNotifier)(nil)

// NoopNotifier logs gate notifications instead of sending them.
type NoopNotifier struct {
	log zerolog.Logger
}

func NewNoopNotifier(log zerolog.Logger) *NoopNotifier {
	return &NoopNotifier{log: log.With().Str("component", "noop-notifier").Logger()}
}

func (n *NoopNotifier) NotifyGate(ctx context.Context, job *model.Job, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.log.Info().Str("job_id", job.ID).Str("stage", stage).Msg("gate awaiting approval")
	return nil
}
