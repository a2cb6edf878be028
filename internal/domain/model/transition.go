package model

import (
	"time"

	"content-pipeline/internal/domain"
)

// Transition is a compare-and-swap change of a job's ledger state.
// The store applies it under the job's row lock and appends Events in the
// same write.
type Transition struct {
	Name string
	From []JobStatus
	To   JobStatus
	// Guard runs after the status check and may veto with a domain error.
	Guard func(j *Job) error
	// Mutate may move the job somewhere other than To when the outcome
	// depends on the locked state, e.g. a pending cancel request.
	// j.UpdatedAt already holds the transition time.
	Mutate func(j *Job)
	// Events builds the log entries; prev is the job as it was before.
	Events func(prev, next *Job) []EventDraft
}

// Apply mutates j in place and returns the drafts to append.
func (t Transition) Apply(j *Job, now time.Time) ([]EventDraft, error) {
	if !j.Status.In(t.From) {
		want := make([]string, len(t.From))
		for i, s := range t.From {
			want[i] = string(s)
		}
		return nil, &domain.TransitionError{JobID: j.ID, Current: string(j.Status), Want: want}
	}
	if t.Guard != nil {
		if err := t.Guard(j); err != nil {
			return nil, err
		}
	}
	prev := j.Clone()
	j.Status = t.To
	j.UpdatedAt = now
	if t.Mutate != nil {
		t.Mutate(j)
	}
	if j.Status.IsTerminal() {
		j.CurrentStage = ""
		j.Ready = false
		j.CancelRequested = false
		j.PauseRequested = false
	}
	if t.Events == nil {
		return nil, nil
	}
	return t.Events(prev, j), nil
}

// Emit is a convenience for transitions whose events do not depend on state.
func Emit(drafts ...EventDraft) func(prev, next *Job) []EventDraft {
	return func(_, _ *Job) []EventDraft { return drafts }
}

// ReplayState is the job state derived purely from its event log.
type ReplayState struct {
	Status       JobStatus
	CurrentStage string
	LastSeq      int64
}

// Replay folds events (ascending seq) into the state they imply.
// ok is false when the log is empty.
func Replay(events []Event) (ReplayState, bool) {
	if len(events) == 0 {
		return ReplayState{}, false
	}
	var st ReplayState
	for _, ev := range events {
		if ev.Seq <= st.LastSeq {
			continue
		}
		st.LastSeq = ev.Seq
		if ev.Status != "" {
			st.Status = ev.Status
			st.CurrentStage = ev.CurrentStage
		}
	}
	return st, st.Status != ""
}

// Claim hands a runnable job to the worker: a queued job starts at the
// first planned stage, a ready running job continues where it stands.
func Claim() Transition {
	return Transition{
		Name: "claim",
		From: []JobStatus{JobStatusQueued, JobStatusRunning},
		To:   JobStatusRunning,
		Guard: func(j *Job) error {
			if j.Status == JobStatusRunning && !j.Ready {
				return &domain.TransitionError{JobID: j.ID, Current: "running (in flight)", Want: []string{"queued", "running (ready)"}}
			}
			return nil
		},
		Mutate: func(j *Job) {
			if j.CurrentStage == "" && len(j.Config.Plan) > 0 {
				j.CurrentStage = j.Config.Plan[0]
			}
			j.Ready = false
		},
		Events: func(prev, next *Job) []EventDraft {
			if prev.Status == JobStatusQueued {
				return []EventDraft{Draft(EventJobStarted, next.CurrentStage)}
			}
			return nil
		},
	}
}

// Runnable reports whether ClaimNext may pick j.
func (j *Job) Runnable() bool {
	return j.Status == JobStatusQueued || (j.Status == JobStatusRunning && j.Ready)
}
