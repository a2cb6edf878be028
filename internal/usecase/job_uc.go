package usecase

import (
	"context"
	"errors"
	"time"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/domain/ports/repository"
	"content-pipeline/internal/infra/logging"
	"content-pipeline/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ JobUseCase = (*jobUC)(nil)

// JobUseCase is the control surface over the ledger: everything the HTTP
// API and the gate watcher do goes through here.
type JobUseCase interface {
	Submit(ctx context.Context, cfg model.JobConfig) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, f model.JobFilter) ([]*model.Job, error)

	Approve(ctx context.Context, id, stage, notes, actor string) (*model.Job, error)
	Reject(ctx context.Context, id, stage, notes, actor string) (*model.Job, error)
	Pause(ctx context.Context, id string) (*model.Job, error)
	Resume(ctx context.Context, id string) (*model.Job, error)
	Cancel(ctx context.Context, id string) (*model.Job, error)

	Events(ctx context.Context, id string, afterSeq int64, limit int) ([]model.Event, error)
	// Stream replays the log after afterSeq and then follows live events.
	// The channel closes after a terminal event or when ctx ends.
	Stream(ctx context.Context, id string, afterSeq int64) (<-chan model.Event, error)
	Artifacts(ctx context.Context, id string) ([]model.Artifact, error)

	// ExpireGates settles every pending gate whose deadline is at or before now.
	ExpireGates(ctx context.Context, now time.Time) (int, error)
}

// Waker is nudged whenever a job may have become runnable.
type Waker interface {
	Wake()
}

const defaultActor = "operator"

type jobUC struct {
	jobs      repository.JobRepository
	events    repository.EventRepository
	artifacts repository.ArtifactRepository
	subs      adapter.EventSubscriber
	defaults  JobDefaults
	waker     Waker
	log       *zerolog.Logger
}

func NewJobUseCase(
	jobs repository.JobRepository,
	events repository.EventRepository,
	artifacts repository.ArtifactRepository,
	subs adapter.EventSubscriber,
	defaults JobDefaults,
	waker Waker,
	logger *zerolog.Logger,
) *jobUC {
	return &jobUC{
		jobs:      jobs,
		events:    events,
		artifacts: artifacts,
		subs:      subs,
		defaults:  defaults,
		waker:     waker,
		log:       logger,
	}
}

func (u *jobUC) wake() {
	if u.waker != nil {
		u.waker.Wake()
	}
}

func (u *jobUC) Submit(ctx context.Context, in model.JobConfig) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.Submit")()

	cfg, err := resolveConfig(in, u.defaults)
	if err != nil {
		return nil, err
	}
	job := model.NewJob(cfg, time.Now().UTC())
	created, _, err := u.jobs.Create(ctx, nil, job,
		model.Draft(model.EventJobSubmitted, "", "plan", cfg.Plan, "testing", cfg.Testing))
	if err != nil {
		return nil, err
	}
	logging.With(ctx, u.log).Info().Str("job_id", created.ID).Str("slug", created.Slug).
		Strs("plan", cfg.Plan).Msg("job submitted")
	u.wake()
	return created, nil
}

func (u *jobUC) Get(ctx context.Context, id string) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.Get")()
	return u.jobs.Get(ctx, nil, id)
}

func (u *jobUC) List(ctx context.Context, f model.JobFilter) ([]*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.List")()
	if f.Status != "" && !f.Status.Valid() {
		return nil, &domain.ConfigError{Violations: []string{"unknown status " + string(f.Status)}}
	}
	return u.jobs.List(ctx, nil, f)
}

func (u *jobUC) Approve(ctx context.Context, id, stage, notes, actor string) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.Approve")()
	return u.decide(ctx, id, stage, true, notes, actor)
}

func (u *jobUC) Reject(ctx context.Context, id, stage, notes, actor string) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.Reject")()
	return u.decide(ctx, id, stage, false, notes, actor)
}

func (u *jobUC) decide(ctx context.Context, id, stage string, approve bool, notes, actor string) (*model.Job, error) {
	if actor == "" {
		actor = defaultActor
	}
	t, outcome := model.RejectGate(stage, actor, notes), "rejected"
	if approve {
		t, outcome = model.ApproveGate(stage, actor, notes), "approved"
	}
	job, _, err := u.jobs.Transition(ctx, id, t)
	if err != nil {
		return nil, err
	}
	metrics.IncGateDecision(stage, outcome)
	logging.With(logging.WithJobID(ctx, id), u.log).Info().Str("stage", stage).
		Str("decision", outcome).Str("status", string(job.Status)).Msg("gate decided")
	if job.Status == model.JobStatusRunning {
		u.wake()
	}
	return job, nil
}

// Pause stops a waiting job at once; a job whose stage is executing is
// flagged and stops at the next checkpoint.
func (u *jobUC) Pause(ctx context.Context, id string) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.Pause")()
	return u.retryOnRace(ctx, id, func(j *model.Job) (model.Transition, bool) {
		if j.InFlight() {
			return model.RequestPause(), false
		}
		return model.Pause(), false
	})
}

func (u *jobUC) Resume(ctx context.Context, id string) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.Resume")()
	job, _, err := u.jobs.Transition(ctx, id, model.Resume())
	if err != nil {
		return nil, err
	}
	logging.With(logging.WithJobID(ctx, id), u.log).Info().Str("status", string(job.Status)).Msg("job resumed")
	u.wake()
	return job, nil
}

// Cancel is idempotent for canceled jobs.
func (u *jobUC) Cancel(ctx context.Context, id string) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUC.Cancel")()
	return u.retryOnRace(ctx, id, func(j *model.Job) (model.Transition, bool) {
		if j.Status == model.JobStatusCanceled {
			return model.Transition{}, true
		}
		if j.InFlight() {
			return model.RequestCancel(), false
		}
		return model.Cancel(), false
	})
}

// retryOnRace picks a transition from a fresh read and applies it. The
// runner may claim or release the job between the read and the write, so
// an invalid transition is retried once against the new state.
func (u *jobUC) retryOnRace(ctx context.Context, id string, pick func(*model.Job) (model.Transition, bool)) (*model.Job, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := u.jobs.Get(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		t, done := pick(cur)
		if done {
			return cur, nil
		}
		job, _, err := u.jobs.Transition(ctx, id, t)
		if err == nil {
			logging.With(logging.WithJobID(ctx, id), u.log).Info().Str("transition", t.Name).
				Str("status", string(job.Status)).Msg("job control applied")
			return job, nil
		}
		if !errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (u *jobUC) Events(ctx context.Context, id string, afterSeq int64, limit int) ([]model.Event, error) {
	defer logging.TraceDuration(u.log, "JobUC.Events")()
	return u.events.ListSince(ctx, nil, id, afterSeq, limit)
}

func (u *jobUC) Artifacts(ctx context.Context, id string) ([]model.Artifact, error) {
	defer logging.TraceDuration(u.log, "JobUC.Artifacts")()
	return u.artifacts.ListByJob(ctx, nil, id)
}

func (u *jobUC) Stream(ctx context.Context, id string, afterSeq int64) (<-chan model.Event, error) {
	job, err := u.jobs.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	// Subscribe before reading history so nothing committed in between is lost.
	sub := u.subs.Subscribe(id)
	history, err := u.events.ListSince(ctx, nil, id, afterSeq, 0)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan model.Event, 16)
	go func() {
		defer close(out)
		defer func() { sub.Close() }()

		last := afterSeq
		// emit reports whether the stream should continue.
		emit := func(ev model.Event) bool {
			if ev.Seq <= last {
				return true
			}
			select {
			case out <- ev:
				last = ev.Seq
				return !ev.Type.IsTerminal()
			case <-ctx.Done():
				return false
			}
		}
		catchUp := func() bool {
			rest, err := u.events.ListSince(ctx, nil, id, last, 0)
			if err != nil {
				u.log.Warn().Err(err).Str("job_id", id).Msg("stream catch-up failed")
				return false
			}
			for _, ev := range rest {
				if !emit(ev) {
					return false
				}
			}
			return true
		}

		for _, ev := range history {
			if !emit(ev) {
				return
			}
		}
		if job.Status.IsTerminal() && last >= job.LastSeq {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					// Dropped for falling behind: resubscribe and fill the hole from the log.
					u.log.Debug().Str("job_id", id).Int64("seq", last).Msg("stream resubscribing")
					sub = u.subs.Subscribe(id)
					if !catchUp() {
						return
					}
					continue
				}
				if ev.Seq > last+1 {
					if !catchUp() {
						return
					}
					continue
				}
				if !emit(ev) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (u *jobUC) ExpireGates(ctx context.Context, now time.Time) (int, error) {
	defer logging.TraceDuration(u.log, "JobUC.ExpireGates")()

	waiting, err := u.jobs.List(ctx, nil, model.JobFilter{Status: model.JobStatusNeedsApproval})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range waiting {
		g, ok := j.Gate(j.CurrentStage)
		if !ok || g.Decided() {
			continue
		}
		d, ok := g.Deadline()
		if !ok || now.Before(d) {
			continue
		}
		job, _, err := u.jobs.Transition(ctx, j.ID, model.ExpireGate(j.CurrentStage, now))
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrGateMismatch) {
			// Decided by an operator in the meantime.
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		outcome := "timeout_failed"
		if g.AutoApprove {
			outcome = "timeout_approved"
		}
		metrics.IncGateDecision(j.CurrentStage, outcome)
		u.log.Warn().Str("job_id", j.ID).Str("stage", j.CurrentStage).
			Time("deadline", d).Str("status", string(job.Status)).Msg("gate timed out")
		if job.Status == model.JobStatusRunning {
			u.wake()
		}
	}
	return n, nil
}
