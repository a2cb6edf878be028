package events

import (
	"context"

	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/domain/ports/repository"
	"content-pipeline/internal/infra/metrics"
)

var (
	_ repository.JobRepository   = (*publishingJobs)(nil)
	_ repository.EventRepository = (*publishingEvents)(nil)
)

// publishingJobs announces the events of every committed ledger write.
type publishingJobs struct {
	repository.JobRepository
	pub adapter.EventPublisher
}

// NewPublishingJobs wraps a job ledger so committed events reach live subscribers.
func NewPublishingJobs(inner repository.JobRepository, pub adapter.EventPublisher) repository.JobRepository {
	return &publishingJobs{JobRepository: inner, pub: pub}
}

func (p *publishingJobs) Create(ctx context.Context, tx repository.Tx, job *model.Job, drafts ...model.EventDraft) (*model.Job, []model.Event, error) {
	j, evs, err := p.JobRepository.Create(ctx, tx, job, drafts...)
	if err == nil {
		metrics.IncTransition("create", string(j.Status))
		publish(ctx, p.pub, evs)
	}
	return j, evs, err
}

func (p *publishingJobs) Transition(ctx context.Context, id string, t model.Transition) (*model.Job, []model.Event, error) {
	j, evs, err := p.JobRepository.Transition(ctx, id, t)
	if err == nil {
		metrics.IncTransition(t.Name, string(j.Status))
		publish(ctx, p.pub, evs)
	}
	return j, evs, err
}

func (p *publishingJobs) ClaimNext(ctx context.Context) (*model.Job, []model.Event, error) {
	j, evs, err := p.JobRepository.ClaimNext(ctx)
	if err == nil {
		metrics.IncTransition("claim", string(j.Status))
		publish(ctx, p.pub, evs)
	}
	return j, evs, err
}

type publishingEvents struct {
	repository.EventRepository
	pub adapter.EventPublisher
}

func NewPublishingEvents(inner repository.EventRepository, pub adapter.EventPublisher) repository.EventRepository {
	return &publishingEvents{EventRepository: inner, pub: pub}
}

func (p *publishingEvents) Append(ctx context.Context, jobID string, drafts ...model.EventDraft) ([]model.Event, error) {
	evs, err := p.EventRepository.Append(ctx, jobID, drafts...)
	if err == nil {
		publish(ctx, p.pub, evs)
	}
	return evs, err
}

func publish(ctx context.Context, pub adapter.EventPublisher, evs []model.Event) {
	for _, ev := range evs {
		metrics.IncEventAppended(string(ev.Type))
		if pub != nil {
			pub.Publish(ctx, ev)
		}
	}
}
