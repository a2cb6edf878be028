package repository

import (
	"context"

	"content-pipeline/internal/domain/model"
)

// JobRepository is the job ledger.
type JobRepository interface {
	// Create stores a queued job and appends drafts as its first events.
	Create(ctx context.Context, tx Tx, job *model.Job, drafts ...model.EventDraft) (*model.Job, []model.Event, error)
	Get(ctx context.Context, tx Tx, id string) (*model.Job, error)
	// List returns jobs in creation order.
	List(ctx context.Context, tx Tx, f model.JobFilter) ([]*model.Job, error)
	// Transition applies t under the job's lock and appends its events in the
	// same write. It fails with domain.ErrInvalidTransition when the current
	// status is not in t.From.
	Transition(ctx context.Context, id string, t model.Transition) (*model.Job, []model.Event, error)
	// ClaimNext atomically takes the oldest runnable job (queued, or running
	// and ready) for the worker. Returns domain.ErrNotFound when none.
	ClaimNext(ctx context.Context) (*model.Job, []model.Event, error)
}
