package adapter

import (
	"context"

	"content-pipeline/internal/domain/model"
)

// OperatorNotifier tells a human that a gate is waiting.
type OperatorNotifier interface {
	NotifyGate(ctx context.Context, job *model.Job, stage string) error
}
