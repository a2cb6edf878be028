package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/domain/ports/repository"
	"content-pipeline/internal/infra/logging"
	"content-pipeline/internal/infra/metrics"
	"content-pipeline/internal/infra/stages"

	"github.com/rs/zerolog"
)

// StageLookup resolves the adapter for a planned stage.
type StageLookup interface {
	Lookup(name string) (adapter.StageAdapter, bool)
}

// Workspace hands out per-job directories.
type Workspace interface {
	JobDir(jobID string) string
	Prepare(jobID, stage string) (stageDir, logDir string, err error)
}

type RunnerDeps struct {
	Jobs      repository.JobRepository
	Artifacts repository.ArtifactRepository
	Stages    StageLookup
	Workspace Workspace
	Slot      *Slot
	// Notifier and Pool are optional; without them gates are not announced.
	Notifier adapter.OperatorNotifier
	Pool     *Pool

	PollInterval     time.Duration
	MaxStageDuration time.Duration

	// RecoveryPolicy settles a job whose stage outcome could not be
	// recorded; see model.Recover.
	RecoveryPolicy string
	// Ledger writes that fail with a storage error are retried
	// WriteRetries times, doubling RetryBackoff each time.
	WriteRetries int
	RetryBackoff time.Duration
}

// Runner drives jobs through their stages, one job at a time. The ledger
// is the queue: wake-ups only shorten the wait, polling keeps it correct.
type Runner struct {
	d    RunnerDeps
	wake chan struct{}
	log  *zerolog.Logger
}

func NewRunner(d RunnerDeps, logger *zerolog.Logger) *Runner {
	if d.PollInterval <= 0 {
		d.PollInterval = 2 * time.Second
	}
	if d.MaxStageDuration <= 0 {
		d.MaxStageDuration = 30 * time.Minute
	}
	if d.RecoveryPolicy != model.RecoverFail {
		d.RecoveryPolicy = model.RecoverRequeue
	}
	if d.WriteRetries <= 0 {
		d.WriteRetries = 4
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = 250 * time.Millisecond
	}
	l := logger.With().Str("component", "runner").Logger()
	return &Runner{d: d, wake: make(chan struct{}, 1), log: &l}
}

// Wake nudges the loop; it never blocks.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Msg("Job runner started")
	ticker := time.NewTicker(r.d.PollInterval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Job runner stopping")
			return ctx.Err()
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

func (r *Runner) drain(ctx context.Context) {
	for ctx.Err() == nil {
		ran, err := r.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, ErrSlotBusy) {
				r.log.Debug().Msg("slot busy elsewhere; waiting")
			} else if ctx.Err() == nil {
				r.log.Error().Err(err).Msg("runner iteration failed")
			}
			return
		}
		if !ran {
			return
		}
	}
}

// RunOnce takes the slot, claims the oldest runnable job and drives it
// until it no longer needs the slot. It reports whether a job was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	held, err := r.d.Slot.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer held.Release()

	job, _, err := r.d.Jobs.ClaimNext(held.Context())
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.drive(held.Context(), job)
	return true, nil
}

func (r *Runner) drive(ctx context.Context, job *model.Job) {
	jl := r.log.With().Str("job_id", job.ID).Logger()
	jl.Info().Str("stage", job.CurrentStage).Msg("job claimed")
	start := time.Now()

	for {
		stage := job.CurrentStage
		sl := logging.ForStage(r.log, job.ID, stage)

		next, err := r.record(ctx, job.ID, model.StartStage(stage), sl)
		if err != nil {
			sl.Error().Err(err).Msg("could not start stage")
			r.settle(ctx, job.ID, sl)
			return
		}
		job = next
		if job.Status != model.JobStatusRunning {
			sl.Info().Str("status", string(job.Status)).Msg("job stopped at checkpoint")
			return
		}

		res, err := r.runStage(ctx, job, stage, sl)
		if ctx.Err() != nil {
			// The ledger still shows the stage in flight; recovery settles it.
			sl.Warn().Msg("stage interrupted by shutdown")
			return
		}

		var t model.Transition
		switch {
		case err != nil:
			sl.Error().Err(err).Msg("stage adapter error")
			t = model.FailStage(stage, model.ErrorInfo{Kind: domain.KindInternal, Message: err.Error()})
		case res.Status != model.StageSuccess:
			info := model.ErrorInfo{Kind: domain.KindStageFailure, Message: "stage reported failure"}
			if res.Error != nil {
				info = *res.Error
			}
			sl.Warn().Str("kind", info.Kind).Str("reason", info.Message).Msg("stage failed")
			t = model.FailStage(stage, info)
		default:
			n, err := r.register(ctx, job.ID, stage, res.Artifacts)
			if err != nil {
				sl.Error().Err(err).Msg("artifact registration failed")
				t = model.FailStage(stage, model.ErrorInfo{Kind: domain.KindOf(err), Message: err.Error()})
			} else {
				t = model.FinishStage(stage, n, res.Skipped)
			}
		}

		next, err = r.record(ctx, job.ID, t, sl)
		if err != nil {
			sl.Error().Err(err).Str("transition", t.Name).Msg("could not record stage outcome")
			r.settle(ctx, job.ID, sl)
			return
		}
		job = next

		switch job.Status {
		case model.JobStatusRunning:
			continue
		case model.JobStatusNeedsApproval:
			r.announceGate(job, stage)
		}
		jl.Info().Str("status", string(job.Status)).Dur("elapsed", time.Since(start)).Msg("job released slot")
		return
	}
}

// record applies t, retrying storage failures with backoff. Other errors
// come back at once.
func (r *Runner) record(ctx context.Context, jobID string, t model.Transition, sl *zerolog.Logger) (*model.Job, error) {
	wait := r.d.RetryBackoff
	for attempt := 0; ; attempt++ {
		job, _, err := r.d.Jobs.Transition(ctx, jobID, t)
		if err == nil || !errors.Is(err, domain.ErrStorage) || attempt >= r.d.WriteRetries {
			return job, err
		}
		sl.Warn().Err(err).Str("transition", t.Name).Int("attempt", attempt+1).Dur("backoff", wait).Msg("ledger write failed; retrying")
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// settle runs before the slot is released after a failed ledger write, so
// the job does not stay in flight with no worker behind it. Pending cancel
// and pause requests win, then the recovery policy applies. A job that
// already moved on is left alone; if even this write fails, the periodic
// recovery pass picks the job up.
func (r *Runner) settle(ctx context.Context, jobID string, sl *zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	job, err := r.record(ctx, jobID, model.Recover(r.d.RecoveryPolicy), sl)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		return
	case err != nil:
		sl.Error().Err(err).Msg("could not settle job; left for recovery")
		return
	}
	sl.Warn().Str("status", string(job.Status)).Bool("ready", job.Ready).Str("policy", r.d.RecoveryPolicy).Msg("job settled after failed ledger write")
}

// runStage calls the adapter under the stage deadline. Panics and adapter
// errors come back as *domain.InternalError.
func (r *Runner) runStage(ctx context.Context, job *model.Job, stage string, sl *zerolog.Logger) (res model.StageResult, err error) {
	a, ok := r.d.Stages.Lookup(stage)
	if !ok {
		return model.StageResult{}, &domain.InternalError{JobID: job.ID, Stage: stage, Msg: "no adapter registered"}
	}
	dir, logDir, err := r.d.Workspace.Prepare(job.ID, stage)
	if err != nil {
		return model.StageResult{}, &domain.InternalError{JobID: job.ID, Stage: stage, Msg: "prepare directories: " + err.Error()}
	}

	limit := r.d.MaxStageDuration
	if t, ok := a.(stages.Timed); ok && t.Timeout() > 0 {
		limit = t.Timeout()
	}
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	outcome := "internal"
	defer func() {
		if p := recover(); p != nil {
			sl.Error().Interface("panic", p).Msg("stage adapter panicked")
			res, err = model.StageResult{}, &domain.InternalError{JobID: job.ID, Stage: stage, Msg: fmt.Sprintf("panic: %v", p)}
			outcome = "internal"
		}
		metrics.ObserveStage(stage, outcome, time.Since(start))
	}()

	sl.Info().Dur("limit", limit).Msg("stage started")
	res, err = a.Run(sctx, adapter.StageInput{
		Job:       job,
		Artifacts: job.Artifacts,
		JobDir:    r.d.Workspace.JobDir(job.ID),
		Dir:       dir,
		LogDir:    logDir,
		Log:       sl,
	})
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	switch {
	case err != nil && timedOut:
		res, err = model.Failed(domain.KindStageTimeout, fmt.Sprintf("stage exceeded %s", limit)), nil
	case err != nil:
		return model.StageResult{}, &domain.InternalError{JobID: job.ID, Stage: stage, Msg: err.Error()}
	case res.Status != model.StageSuccess && timedOut:
		res.Error = &model.ErrorInfo{Kind: domain.KindStageTimeout, Message: fmt.Sprintf("stage exceeded %s", limit)}
	}

	switch {
	case res.Status != model.StageSuccess:
		outcome = "failure"
	case res.Skipped:
		outcome = "skipped"
	default:
		outcome = "success"
	}
	sl.Info().Str("outcome", outcome).Dur("took", time.Since(start)).Int("artifacts", len(res.Artifacts)).Msg("stage returned")
	return res, nil
}

func (r *Runner) register(ctx context.Context, jobID, stage string, specs []model.ArtifactSpec) (int, error) {
	for _, spec := range specs {
		if _, err := r.d.Artifacts.Register(ctx, nil, jobID, stage, spec); err != nil {
			return 0, fmt.Errorf("register %s: %w", spec.Path, err)
		}
	}
	return len(specs), nil
}

// announceGate notifies operators off the execution lane.
func (r *Runner) announceGate(job *model.Job, stage string) {
	if r.d.Notifier == nil || r.d.Pool == nil {
		return
	}
	j := job.Clone()
	err := r.d.Pool.Submit(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := r.d.Notifier.NotifyGate(ctx, j, stage); err != nil {
			metrics.IncGateNotify("error")
			return fmt.Errorf("notify gate %s of job %s: %w", stage, j.ID, err)
		}
		metrics.IncGateNotify("sent")
		return nil
	})
	if err != nil {
		metrics.IncNotifyRejected()
		r.log.Warn().Err(err).Str("job_id", j.ID).Str("stage", stage).Msg("gate notification dropped")
	}
}
