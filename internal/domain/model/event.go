package model

import "time"

type EventType string

const (
	EventJobSubmitted    EventType = "job_submitted"
	EventJobStarted      EventType = "job_started"
	EventStageStarted    EventType = "stage_started"
	EventStageCompleted  EventType = "stage_completed"
	EventStageSkipped    EventType = "stage_skipped"
	EventStageFailed     EventType = "stage_failed"
	EventGateRequested   EventType = "gate_requested"
	EventGateApproved    EventType = "gate_approved"
	EventGateRejected    EventType = "gate_rejected"
	EventGateTimeout     EventType = "gate_timeout"
	EventPauseRequested  EventType = "pause_requested"
	EventJobPaused       EventType = "job_paused"
	EventJobResumed      EventType = "job_resumed"
	EventCancelRequested EventType = "cancel_requested"
	EventJobCanceled     EventType = "job_canceled"
	EventJobCompleted    EventType = "job_completed"
	EventJobFailed       EventType = "job_failed"
	EventJobRecovered    EventType = "job_recovered"
	EventJobReconciled   EventType = "job_reconciled"
)

// IsTerminal reports whether no further state-changing events follow.
func (t EventType) IsTerminal() bool {
	return t == EventJobCompleted || t == EventJobFailed || t == EventJobCanceled
}

// Event is one entry of a job's append-only log. Status and CurrentStage
// are the job's state after the write that produced the event.
type Event struct {
	JobID        string         `json:"job_id"`
	Seq          int64          `json:"seq"`
	Type         EventType      `json:"type"`
	Stage        string         `json:"stage,omitempty"`
	Status       JobStatus      `json:"status"`
	CurrentStage string         `json:"current_stage,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// EventDraft is an event before the log assigns its sequence number.
type EventDraft struct {
	Type    EventType
	Stage   string
	Payload map[string]any
}

func Draft(t EventType, stage string, kv ...any) EventDraft {
	d := EventDraft{Type: t, Stage: stage}
	if len(kv) > 1 {
		d.Payload = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok {
				d.Payload[k] = kv[i+1]
			}
		}
	}
	return d
}

// Seal turns drafts into events numbered after lastSeq, stamped with job's state.
func Seal(j *Job, lastSeq int64, at time.Time, drafts []EventDraft) []Event {
	out := make([]Event, 0, len(drafts))
	for i, d := range drafts {
		out = append(out, Event{
			JobID:        j.ID,
			Seq:          lastSeq + int64(i) + 1,
			Type:         d.Type,
			Stage:        d.Stage,
			Status:       j.Status,
			CurrentStage: j.CurrentStage,
			Timestamp:    at,
			Payload:      d.Payload,
		})
	}
	return out
}
