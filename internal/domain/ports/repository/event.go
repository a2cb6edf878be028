package repository

import (
	"context"

	"content-pipeline/internal/domain/model"
)

// EventRepository is the per-job append-only event log.
type EventRepository interface {
	// Append assigns the next gapless sequence numbers without changing the
	// job's status.
	Append(ctx context.Context, jobID string, drafts ...model.EventDraft) ([]model.Event, error)
	// ListSince returns events with seq > afterSeq in ascending order.
	// limit <= 0 means no limit.
	ListSince(ctx context.Context, tx Tx, jobID string, afterSeq int64, limit int) ([]model.Event, error)
}
