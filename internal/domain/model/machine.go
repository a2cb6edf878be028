package model

import (
	"fmt"
	"time"

	"content-pipeline/internal/domain"
)

// Decision makers recorded on gates that no human decided.
const (
	DecidedByPolicy  = "policy"
	DecidedByTimeout = "system:timeout"
)

// inFlightAt guards worker transitions: the job must be executing stage.
func inFlightAt(stage string) func(j *Job) error {
	return func(j *Job) error {
		if j.Ready || j.CurrentStage != stage {
			return &domain.TransitionError{
				JobID:   j.ID,
				Current: fmt.Sprintf("%s at %q (ready=%t)", j.Status, j.CurrentStage, j.Ready),
				Want:    []string{fmt.Sprintf("running at %q", stage)},
			}
		}
		return nil
	}
}

// StartStage is the checkpoint before a stage call. A pending cancel or
// pause request is honoured here instead of starting the stage.
func StartStage(stage string) Transition {
	return Transition{
		Name:  "start_stage",
		From:  []JobStatus{JobStatusRunning},
		To:    JobStatusRunning,
		Guard: inFlightAt(stage),
		Mutate: func(j *Job) {
			switch {
			case j.CancelRequested:
				j.Status = JobStatusCanceled
			case j.PauseRequested:
				j.Status = JobStatusPaused
				j.PauseRequested = false
			}
		},
		Events: func(_, next *Job) []EventDraft {
			switch next.Status {
			case JobStatusCanceled:
				return []EventDraft{Draft(EventJobCanceled, stage)}
			case JobStatusPaused:
				return []EventDraft{Draft(EventJobPaused, stage)}
			}
			return []EventDraft{Draft(EventStageStarted, stage)}
		},
	}
}

// FinishStage records a successful stage and decides where the job goes:
// a pending cancel wins, then a required gate, then completion, then a
// pending pause; otherwise the job moves on to the next stage.
func FinishStage(stage string, artifacts int, skipped bool) Transition {
	return Transition{
		Name:  "finish_stage",
		From:  []JobStatus{JobStatusRunning},
		To:    JobStatusRunning,
		Guard: inFlightAt(stage),
		Mutate: func(j *Job) {
			next := j.NextStage(stage)
			switch {
			case j.CancelRequested:
				j.Status = JobStatusCanceled
			case j.RequiresApproval(stage):
				j.Status = JobStatusNeedsApproval
				j.PauseRequested = false
				j.MarkGateRequested(stage, j.UpdatedAt)
			default:
				if g, ok := j.Gate(stage); ok && !g.Decided() {
					_ = j.DecideGate(stage, true, DecidedByPolicy, "", j.UpdatedAt)
				}
				switch {
				case next == "":
					j.Status = JobStatusCompleted
				case j.PauseRequested:
					j.Status = JobStatusPaused
					j.PauseRequested = false
					j.CurrentStage = next
				default:
					j.CurrentStage = next
				}
			}
		},
		Events: func(_, next *Job) []EventDraft {
			var out []EventDraft
			if skipped {
				out = append(out, Draft(EventStageSkipped, stage, "reason", "outputs present"))
			}
			out = append(out, Draft(EventStageCompleted, stage, "artifacts", artifacts, "skipped", skipped))
			switch next.Status {
			case JobStatusCanceled:
				out = append(out, Draft(EventJobCanceled, stage))
			case JobStatusNeedsApproval:
				g, _ := next.Gate(stage)
				out = append(out, Draft(EventGateRequested, stage,
					"window", g.Window, "timeout_minutes", g.TimeoutMinutes, "auto_approve", g.AutoApprove))
			case JobStatusCompleted:
				out = append(out, Draft(EventJobCompleted, ""))
			case JobStatusPaused:
				out = append(out, Draft(EventJobPaused, next.CurrentStage))
			}
			return out
		},
	}
}

// FailStage records a failed stage. The job fails unless a cancel was
// already requested, in which case it ends canceled.
func FailStage(stage string, info ErrorInfo) Transition {
	info.Stage = stage
	return Transition{
		Name:  "fail_stage",
		From:  []JobStatus{JobStatusRunning},
		To:    JobStatusFailed,
		Guard: inFlightAt(stage),
		Mutate: func(j *Job) {
			if j.CancelRequested {
				j.Status = JobStatusCanceled
				return
			}
			e := info
			j.Error = &e
		},
		Events: func(_, next *Job) []EventDraft {
			failed := Draft(EventStageFailed, stage, "kind", info.Kind, "message", info.Message)
			if next.Status == JobStatusCanceled {
				return []EventDraft{failed, Draft(EventJobCanceled, stage)}
			}
			return []EventDraft{failed, Draft(EventJobFailed, stage, "kind", info.Kind)}
		},
	}
}

// awaiting guards gate decisions: the job must wait at exactly stage.
func awaiting(stage string) func(j *Job) error {
	return func(j *Job) error {
		if j.CurrentStage != stage {
			return &domain.GateMismatchError{JobID: j.ID, Pending: j.CurrentStage, Requested: stage}
		}
		if g, ok := j.Gate(stage); !ok || g.Decided() {
			return &domain.TransitionError{JobID: j.ID, Current: string(j.Status), Want: []string{"undecided gate at " + stage}}
		}
		return nil
	}
}

// advance moves an approved job past stage: on to the next stage, ready
// for the worker, or to completed when stage was the last one.
func advance(j *Job, stage string) {
	next := j.NextStage(stage)
	if next == "" {
		j.Status = JobStatusCompleted
		return
	}
	j.Status = JobStatusRunning
	j.CurrentStage = next
	j.Ready = true
}

func ApproveGate(stage, by, notes string) Transition {
	return Transition{
		Name:  "approve",
		From:  []JobStatus{JobStatusNeedsApproval},
		To:    JobStatusRunning,
		Guard: awaiting(stage),
		Mutate: func(j *Job) {
			_ = j.DecideGate(stage, true, by, notes, j.UpdatedAt)
			advance(j, stage)
		},
		Events: func(_, next *Job) []EventDraft {
			out := []EventDraft{Draft(EventGateApproved, stage, "decided_by", by, "notes", notes)}
			if next.Status == JobStatusCompleted {
				out = append(out, Draft(EventJobCompleted, ""))
			}
			return out
		},
	}
}

// RejectGate fails the job; a rejected gate is final.
func RejectGate(stage, by, notes string) Transition {
	return Transition{
		Name:  "reject",
		From:  []JobStatus{JobStatusNeedsApproval},
		To:    JobStatusFailed,
		Guard: awaiting(stage),
		Mutate: func(j *Job) {
			_ = j.DecideGate(stage, false, by, notes, j.UpdatedAt)
			msg := "rejected by " + by
			if notes != "" {
				msg += ": " + notes
			}
			j.Error = &ErrorInfo{Kind: domain.KindGateRejected, Message: msg, Stage: stage}
		},
		Events: Emit(
			Draft(EventGateRejected, stage, "decided_by", by, "notes", notes),
			Draft(EventJobFailed, stage, "kind", domain.KindGateRejected),
		),
	}
}

// ExpireGate applies a gate's timeout policy. The guard re-checks the
// deadline under the lock, so a decision that raced the watcher wins.
func ExpireGate(stage string, now time.Time) Transition {
	return Transition{
		Name: "expire_gate",
		From: []JobStatus{JobStatusNeedsApproval},
		To:   JobStatusFailed,
		Guard: func(j *Job) error {
			if err := awaiting(stage)(j); err != nil {
				return err
			}
			g, _ := j.Gate(stage)
			if d, ok := g.Deadline(); !ok || now.Before(d) {
				return &domain.TransitionError{JobID: j.ID, Current: string(j.Status), Want: []string{"expired gate at " + stage}}
			}
			return nil
		},
		Mutate: func(j *Job) {
			g, _ := j.Gate(stage)
			if g.AutoApprove {
				_ = j.DecideGate(stage, true, DecidedByTimeout, "", j.UpdatedAt)
				advance(j, stage)
				return
			}
			_ = j.DecideGate(stage, false, DecidedByTimeout, "", j.UpdatedAt)
			j.Error = &ErrorInfo{
				Kind:    domain.KindGateTimeout,
				Message: fmt.Sprintf("no decision within %d minutes", g.TimeoutMinutes),
				Stage:   stage,
			}
		},
		Events: func(_, next *Job) []EventDraft {
			out := []EventDraft{Draft(EventGateTimeout, stage)}
			switch next.Status {
			case JobStatusFailed:
				return append(out, Draft(EventJobFailed, stage, "kind", domain.KindGateTimeout))
			case JobStatusCompleted:
				out = append(out, Draft(EventGateApproved, stage, "decided_by", DecidedByTimeout))
				return append(out, Draft(EventJobCompleted, ""))
			}
			return append(out, Draft(EventGateApproved, stage, "decided_by", DecidedByTimeout))
		},
	}
}

// Pause stops a job that is not executing. Executing jobs take
// RequestPause instead.
func Pause() Transition {
	return Transition{
		Name:  "pause",
		From:  []JobStatus{JobStatusQueued, JobStatusRunning},
		To:    JobStatusPaused,
		Guard: notExecuting,
		Mutate: func(j *Job) {
			j.Ready = false
		},
		Events: func(_, next *Job) []EventDraft {
			return []EventDraft{Draft(EventJobPaused, next.CurrentStage)}
		},
	}
}

// RequestPause marks an executing job; the worker pauses it at the next
// checkpoint.
func RequestPause() Transition {
	return Transition{
		Name:  "request_pause",
		From:  []JobStatus{JobStatusRunning},
		To:    JobStatusRunning,
		Guard: executing,
		Mutate: func(j *Job) {
			j.PauseRequested = true
		},
		Events: func(prev, next *Job) []EventDraft {
			if prev.PauseRequested {
				return nil
			}
			return []EventDraft{Draft(EventPauseRequested, next.CurrentStage)}
		},
	}
}

func executing(j *Job) error {
	if !j.InFlight() {
		return &domain.TransitionError{JobID: j.ID, Current: string(j.Status), Want: []string{"running (in flight)"}}
	}
	return nil
}

func notExecuting(j *Job) error {
	if j.InFlight() {
		return &domain.TransitionError{JobID: j.ID, Current: "running (in flight)", Want: []string{"queued", "running (ready)"}}
	}
	return nil
}

// Resume puts a paused job back in line: queued when it never started,
// otherwise running and ready at the stage it stopped before.
func Resume() Transition {
	return Transition{
		Name: "resume",
		From: []JobStatus{JobStatusPaused},
		To:   JobStatusRunning,
		Mutate: func(j *Job) {
			if j.CurrentStage == "" {
				j.Status = JobStatusQueued
				return
			}
			j.Ready = true
		},
		Events: func(_, next *Job) []EventDraft {
			return []EventDraft{Draft(EventJobResumed, next.CurrentStage)}
		},
	}
}

// Cancel ends a job that is not executing.
func Cancel() Transition {
	return Transition{
		Name:  "cancel",
		From:  []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusPaused, JobStatusNeedsApproval},
		To:    JobStatusCanceled,
		Guard: notExecuting,
		Events: func(prev, _ *Job) []EventDraft {
			return []EventDraft{Draft(EventJobCanceled, prev.CurrentStage)}
		},
	}
}

// RequestCancel marks an executing job; the worker cancels it once the
// current stage returns.
func RequestCancel() Transition {
	return Transition{
		Name:  "request_cancel",
		From:  []JobStatus{JobStatusRunning},
		To:    JobStatusRunning,
		Guard: executing,
		Mutate: func(j *Job) {
			j.CancelRequested = true
		},
		Events: func(prev, next *Job) []EventDraft {
			if prev.CancelRequested {
				return nil
			}
			return []EventDraft{Draft(EventCancelRequested, next.CurrentStage)}
		},
	}
}

// Recovery policies for jobs interrupted mid-stage.
const (
	RecoverRequeue = "requeue"
	RecoverFail    = "fail"
)

// Recover settles a job that was executing when the process stopped.
// Pending cancel and pause requests are applied first; otherwise policy
// decides between re-running the stage and failing the job.
func Recover(policy string) Transition {
	return Transition{
		Name:  "recover",
		From:  []JobStatus{JobStatusRunning},
		To:    JobStatusRunning,
		Guard: executing,
		Mutate: func(j *Job) {
			switch {
			case j.CancelRequested:
				j.Status = JobStatusCanceled
			case j.PauseRequested:
				j.Status = JobStatusPaused
				j.PauseRequested = false
			case policy == RecoverFail:
				j.Status = JobStatusFailed
				j.Error = &ErrorInfo{Kind: domain.KindInternal, Message: "interrupted by a restart", Stage: j.CurrentStage}
			default:
				j.Ready = true
			}
		},
		Events: func(prev, next *Job) []EventDraft {
			stage := prev.CurrentStage
			out := []EventDraft{Draft(EventJobRecovered, stage, "policy", policy)}
			switch next.Status {
			case JobStatusCanceled:
				out = append(out, Draft(EventJobCanceled, stage))
			case JobStatusPaused:
				out = append(out, Draft(EventJobPaused, stage))
			case JobStatusFailed:
				out = append(out,
					Draft(EventStageFailed, stage, "kind", domain.KindInternal, "message", next.Error.Message),
					Draft(EventJobFailed, stage, "kind", domain.KindInternal))
			}
			return out
		},
	}
}

// Reconcile forces the ledger to the state replayed from the event log.
// It refuses when the log moved on since st was replayed.
func Reconcile(st ReplayState) Transition {
	return Transition{
		Name: "reconcile",
		From: AllStatuses,
		To:   st.Status,
		Guard: func(j *Job) error {
			if j.LastSeq != st.LastSeq {
				return &domain.TransitionError{JobID: j.ID, Current: fmt.Sprintf("log at seq %d", j.LastSeq), Want: []string{fmt.Sprintf("log at seq %d", st.LastSeq)}}
			}
			return nil
		},
		Mutate: func(j *Job) {
			j.CurrentStage = st.CurrentStage
			j.Ready = j.Status == JobStatusRunning
		},
		Events: func(prev, next *Job) []EventDraft {
			return []EventDraft{Draft(EventJobReconciled, next.CurrentStage,
				"ledger_status", string(prev.Status), "ledger_stage", prev.CurrentStage,
				"status", string(next.Status))}
		},
	}
}
