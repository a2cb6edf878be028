package stages

import (
	"fmt"
	"time"

	"content-pipeline/internal/domain/ports/adapter"
)

// Registry is the ordered catalogue of stages a job plan is drawn from.
type Registry struct {
	stages []adapter.StageAdapter
	index  map[string]int
}

func NewRegistry(stages ...adapter.StageAdapter) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(stages))}
	for _, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("nil stage adapter")
		}
		if _, dup := r.index[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Name())
		}
		r.index[s.Name()] = len(r.stages)
		r.stages = append(r.stages, s)
	}
	return r, nil
}

// Names returns stage names in execution order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.stages))
	for i, s := range r.stages {
		out[i] = s.Name()
	}
	return out
}

func (r *Registry) Lookup(name string) (adapter.StageAdapter, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.stages[i], true
}

func (r *Registry) Len() int { return len(r.stages) }

// Timed is implemented by stages with their own duration limit.
type Timed interface {
	Timeout() time.Duration
}
