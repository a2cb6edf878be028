package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatePolicy configures operator approval after a stage.
// Config files may use the shorthand strings "required" and "optional".
type GatePolicy struct {
	Required       bool `json:"required" yaml:"required"`
	TimeoutMinutes int  `json:"timeout_minutes,omitempty" yaml:"timeout_minutes"`
	AutoApprove    bool `json:"auto_approve,omitempty" yaml:"auto_approve"`
}

type gatePolicyFields GatePolicy

func parseGateShorthand(s string) (GatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "required", "true":
		return GatePolicy{Required: true}, nil
	case "optional", "false", "none":
		return GatePolicy{}, nil
	}
	return GatePolicy{}, fmt.Errorf("unknown gate policy %q", s)
}

func (p *GatePolicy) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := parseGateShorthand(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
	var f gatePolicyFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*p = GatePolicy(f)
	return nil
}

func (p *GatePolicy) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		v, err := parseGateShorthand(n.Value)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
	var f gatePolicyFields
	if err := n.Decode(&f); err != nil {
		return err
	}
	*p = GatePolicy(f)
	return nil
}

// Timeout is zero when the gate waits forever.
func (p GatePolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

// GateRecord is the decision history of one gated stage.
type GateRecord struct {
	Stage          string     `json:"stage"`
	Window         int        `json:"window"`
	Required       bool       `json:"required"`
	TimeoutMinutes int        `json:"timeout_minutes,omitempty"`
	AutoApprove    bool       `json:"auto_approve,omitempty"`
	Approved       *bool      `json:"approved"`
	DecidedBy      string     `json:"decided_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	RequestedAt    *time.Time `json:"requested_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

func (g GateRecord) Decided() bool { return g.Approved != nil }

// Deadline is the wall-clock instant the gate times out; ok is false when
// the gate has no timeout or has not been requested yet.
func (g GateRecord) Deadline() (time.Time, bool) {
	if g.TimeoutMinutes <= 0 || g.RequestedAt == nil {
		return time.Time{}, false
	}
	return g.RequestedAt.Add(time.Duration(g.TimeoutMinutes) * time.Minute), true
}

func (g GateRecord) clone() GateRecord {
	c := g
	if g.Approved != nil {
		v := *g.Approved
		c.Approved = &v
	}
	if g.DecidedAt != nil {
		v := *g.DecidedAt
		c.DecidedAt = &v
	}
	if g.RequestedAt != nil {
		v := *g.RequestedAt
		c.RequestedAt = &v
	}
	return c
}

// Gate returns the open (latest) record for stage.
func (j *Job) Gate(stage string) (*GateRecord, bool) {
	for i := len(j.Gates) - 1; i >= 0; i-- {
		if j.Gates[i].Stage == stage {
			return &j.Gates[i], true
		}
	}
	return nil, false
}

// RequiresApproval reports whether completing stage must halt the job.
func (j *Job) RequiresApproval(stage string) bool {
	g, ok := j.Gate(stage)
	return ok && g.Required && !g.Decided()
}

// MarkGateRequested stamps the pending gate's request time.
func (j *Job) MarkGateRequested(stage string, at time.Time) {
	if g, ok := j.Gate(stage); ok {
		t := at
		g.RequestedAt = &t
	}
}

// DecideGate records a final decision. A decided record is never rewritten.
func (j *Job) DecideGate(stage string, approved bool, by, notes string, at time.Time) error {
	g, ok := j.Gate(stage)
	if !ok {
		return fmt.Errorf("stage %q has no gate", stage)
	}
	if g.Decided() {
		return fmt.Errorf("gate %q window %d already decided", stage, g.Window)
	}
	v, t := approved, at
	g.Approved = &v
	g.DecidedBy = by
	g.DecidedAt = &t
	g.Notes = notes
	return nil
}
