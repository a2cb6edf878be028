package worker

import (
	"context"
	"errors"
	"fmt"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/repository"

	"github.com/rs/zerolog"
)

// Recovery repairs state a stopped process left behind.
type Recovery struct {
	jobs   repository.JobRepository
	events repository.EventRepository
	slot   *Slot
	policy string
	log    *zerolog.Logger
}

func NewRecovery(jobs repository.JobRepository, events repository.EventRepository, slot *Slot, policy string, logger *zerolog.Logger) *Recovery {
	if policy != model.RecoverFail {
		policy = model.RecoverRequeue
	}
	l := logger.With().Str("component", "recovery").Logger()
	return &Recovery{jobs: jobs, events: events, slot: slot, policy: policy, log: &l}
}

// Report counts the jobs one pass touched.
type Report struct {
	Interrupted int
	Reconciled  int
}

// Run holds the slot for the whole pass: a job that shows as in flight
// while this process owns the lane was abandoned by a dead process.
// With another process holding the lease it returns ErrSlotBusy.
func (rc *Recovery) Run(ctx context.Context) (Report, error) {
	held, err := rc.slot.Acquire(ctx)
	if err != nil {
		return Report{}, err
	}
	defer held.Release()
	ctx = held.Context()

	var rep Report
	rep.Reconciled, err = rc.Reconcile(ctx)
	if err != nil {
		return rep, err
	}
	rep.Interrupted, err = rc.Interrupted(ctx)
	return rep, err
}

// Interrupted applies the recovery policy to every job left mid-stage.
// Callers must hold the slot.
func (rc *Recovery) Interrupted(ctx context.Context) (int, error) {
	running, err := rc.jobs.List(ctx, nil, model.JobFilter{Status: model.JobStatusRunning})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range running {
		if !j.InFlight() {
			continue
		}
		out, _, err := rc.jobs.Transition(ctx, j.ID, model.Recover(rc.policy))
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("recover job %s: %w", j.ID, err)
		}
		n++
		rc.log.Warn().Str("job_id", j.ID).Str("stage", j.CurrentStage).
			Str("policy", rc.policy).Str("status", string(out.Status)).Msg("interrupted job recovered")
	}
	return n, nil
}

// Reconcile replays each job's event log and repairs ledger rows that
// disagree with it. The log wins.
func (rc *Recovery) Reconcile(ctx context.Context) (int, error) {
	jobs, err := rc.jobs.List(ctx, nil, model.JobFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		evs, err := rc.events.ListSince(ctx, nil, j.ID, 0, 0)
		if err != nil {
			return n, fmt.Errorf("read log of job %s: %w", j.ID, err)
		}
		st, ok := model.Replay(evs)
		if !ok || (st.Status == j.Status && st.CurrentStage == j.CurrentStage) {
			continue
		}
		if st.LastSeq != j.LastSeq {
			rc.log.Debug().Str("job_id", j.ID).Msg("log moved on while reading; skipping")
			continue
		}
		_, _, err = rc.jobs.Transition(ctx, j.ID, model.Reconcile(st))
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("reconcile job %s: %w", j.ID, err)
		}
		n++
		rc.log.Warn().Str("job_id", j.ID).
			Str("ledger_status", string(j.Status)).Str("log_status", string(st.Status)).
			Msg("ledger repaired from event log")
	}
	return n, nil
}
