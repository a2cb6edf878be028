package model

import (
	"maps"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

type JobStatus string

const (
	JobStatusQueued        JobStatus = "queued"
	JobStatusRunning       JobStatus = "running"
	JobStatusPaused        JobStatus = "paused"
	JobStatusNeedsApproval JobStatus = "needs_approval"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusCanceled      JobStatus = "canceled"
)

// AllStatuses in lifecycle order.
var AllStatuses = []JobStatus{
	JobStatusQueued, JobStatusRunning, JobStatusPaused, JobStatusNeedsApproval,
	JobStatusCompleted, JobStatusFailed, JobStatusCanceled,
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

func (s JobStatus) Valid() bool { return slices.Contains(AllStatuses, s) }

func (s JobStatus) In(set []JobStatus) bool { return slices.Contains(set, s) }

// Target holds the output parameters of a run.
type Target struct {
	DurationSec int    `json:"duration_sec,omitempty" yaml:"duration_sec"`
	Aspect      string `json:"aspect,omitempty" yaml:"aspect"`
	Language    string `json:"language,omitempty" yaml:"language"`
	Voice       string `json:"voice,omitempty" yaml:"voice"`
	Platform    string `json:"platform,omitempty" yaml:"platform"`
}

// JobConfig is the configuration a job runs with. Once stored on a Job it
// is a snapshot: Plan and Gates hold the resolved values, not the caller's input.
type JobConfig struct {
	Slug    string                `json:"slug"`
	Intent  string                `json:"intent,omitempty"`
	Brief   string                `json:"brief,omitempty"`
	Target  Target                `json:"target"`
	Seed    int64                 `json:"seed,omitempty"`
	Testing bool                  `json:"testing,omitempty"`
	Blog    bool                  `json:"blog,omitempty"`
	Gates   map[string]GatePolicy `json:"gates,omitempty"`
	Params  map[string]string     `json:"params,omitempty"`
	Plan    []string              `json:"plan,omitempty"`
}

// Job is one pipeline run.
type Job struct {
	ID           string       `json:"id"`
	Slug         string       `json:"slug"`
	Config       JobConfig    `json:"config_snapshot"`
	Status       JobStatus    `json:"status"`
	CurrentStage string       `json:"current_stage,omitempty"`
	Gates        []GateRecord `json:"gates"`
	Artifacts    []Artifact   `json:"artifacts"`
	Error        *ErrorInfo   `json:"error,omitempty"`

	// Ready marks a running job that is waiting for the worker slot
	// rather than executing a stage.
	Ready           bool  `json:"ready,omitempty"`
	CancelRequested bool  `json:"cancel_requested,omitempty"`
	PauseRequested  bool  `json:"pause_requested,omitempty"`
	LastSeq         int64 `json:"last_seq"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob builds a queued job from a resolved config snapshot.
func NewJob(cfg JobConfig, now time.Time) *Job {
	j := &Job{
		ID:        ulid.Make().String(),
		Slug:      cfg.Slug,
		Config:    cfg,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, stage := range cfg.Plan {
		p, ok := cfg.Gates[stage]
		if !ok {
			continue
		}
		j.Gates = append(j.Gates, GateRecord{
			Stage:          stage,
			Window:         1,
			Required:       p.Required,
			TimeoutMinutes: p.TimeoutMinutes,
			AutoApprove:    p.AutoApprove,
		})
	}
	return j
}

// InFlight reports whether a worker is currently executing a stage of j.
func (j *Job) InFlight() bool {
	return j.Status == JobStatusRunning && !j.Ready
}

// NextStage returns the stage after the given one, or "" when it is the last.
func (j *Job) NextStage(stage string) string {
	i := slices.Index(j.Config.Plan, stage)
	if i < 0 || i+1 >= len(j.Config.Plan) {
		return ""
	}
	return j.Config.Plan[i+1]
}

// StageIndex is the position of stage in the plan, -1 if absent.
func (j *Job) StageIndex(stage string) int {
	return slices.Index(j.Config.Plan, stage)
}

// Clone returns a deep enough copy for the stores to hand out.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Config.Plan = slices.Clone(j.Config.Plan)
	c.Config.Gates = maps.Clone(j.Config.Gates)
	c.Config.Params = maps.Clone(j.Config.Params)
	c.Gates = make([]GateRecord, len(j.Gates))
	for i, g := range j.Gates {
		c.Gates[i] = g.clone()
	}
	c.Artifacts = slices.Clone(j.Artifacts)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// JobFilter narrows List results. Zero values match everything.
type JobFilter struct {
	Status JobStatus
	Slug   string
	Limit  int
}

func (f JobFilter) Match(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Slug != "" && j.Slug != f.Slug {
		return false
	}
	return true
}
