package adapter

import (
	"context"

	"content-pipeline/internal/domain/model"
)

// EventPublisher fans committed events out to live subscribers. It must not block.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// Subscription is a live feed for one job. Events is closed when the
// subscription is closed or dropped for falling behind.
type Subscription interface {
	Events() <-chan model.Event
	Dropped() bool
	Close()
}

type EventSubscriber interface {
	Subscribe(jobID string) Subscription
}
