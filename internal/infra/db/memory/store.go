// Package memory is an in-process implementation of the ledger, event log
// and artifact index. It backs the "memory" database driver for local runs
// and the orchestrator tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
)

var (
	_ repository.JobRepository      = (*Store)(nil)
	_ repository.EventRepository    = (*Store)(nil)
	_ repository.ArtifactRepository = (*Store)(nil)
	_ repository.TransactionManager = (*Store)(nil)
)

type Store struct {
	mu        sync.Mutex
	order     []string
	jobs      map[string]*model.Job
	events    map[string][]model.Event
	artifacts map[string][]model.Artifact
	nextArtID int64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		jobs:      map[string]*model.Job{},
		events:    map[string][]model.Event{},
		artifacts: map[string][]model.Artifact{},
		now:       time.Now,
	}
}

// WithClock overrides the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// WithTx runs fn directly; every Store method is already atomic.
func (s *Store) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

func (s *Store) Create(ctx context.Context, _ repository.Tx, job *model.Job, drafts ...model.EventDraft) (*model.Job, []model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return nil, nil, &domain.StorageError{Op: "create job", Err: fmt.Errorf("job %s already exists", job.ID)}
	}
	j := job.Clone()
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	evs := s.appendLocked(j, drafts)
	return s.view(j), evs, nil
}

func (s *Store) Get(ctx context.Context, _ repository.Tx, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.view(j), nil
}

func (s *Store) List(ctx context.Context, _ repository.Tx, f model.JobFilter) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Job{}
	for _, id := range s.order {
		j := s.jobs[id]
		if !f.Match(j) {
			continue
		}
		out = append(out, s.view(j))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Transition(ctx context.Context, id string, t model.Transition) (*model.Job, []model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	return s.applyLocked(cur, t)
}

func (s *Store) ClaimNext(ctx context.Context) (*model.Job, []model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if j := s.jobs[id]; j.Runnable() {
			return s.applyLocked(j, model.Claim())
		}
	}
	return nil, nil, domain.ErrNotFound
}

// applyLocked works on a copy so a failed guard leaves the ledger untouched.
func (s *Store) applyLocked(cur *model.Job, t model.Transition) (*model.Job, []model.Event, error) {
	next := cur.Clone()
	drafts, err := t.Apply(next, s.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	s.jobs[next.ID] = next
	evs := s.appendLocked(next, drafts)
	return s.view(next), evs, nil
}

func (s *Store) Append(ctx context.Context, jobID string, drafts ...model.EventDraft) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.appendLocked(j, drafts), nil
}

func (s *Store) appendLocked(j *model.Job, drafts []model.EventDraft) []model.Event {
	if len(drafts) == 0 {
		return nil
	}
	evs := model.Seal(j, j.LastSeq, s.now().UTC(), drafts)
	j.LastSeq = evs[len(evs)-1].Seq
	s.events[j.ID] = append(s.events[j.ID], evs...)
	return evs
}

func (s *Store) ListSince(ctx context.Context, _ repository.Tx, jobID string, afterSeq int64, limit int) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.ErrNotFound
	}
	out := []model.Event{}
	for _, ev := range s.events[jobID] {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Register(ctx context.Context, _ repository.Tx, jobID, stage string, spec model.ArtifactSpec) (*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.ErrNotFound
	}
	var latest *model.Artifact
	for i, a := range s.artifacts[jobID] {
		if a.Stage == stage && a.Kind == spec.Kind && a.Path == spec.Path {
			if latest == nil || a.Version > latest.Version {
				latest = &s.artifacts[jobID][i]
			}
		}
	}
	version := 0
	if latest != nil {
		if latest.Digest == spec.Digest {
			a := *latest
			return &a, nil
		}
		version = latest.Version
	}
	s.nextArtID++
	a := model.Artifact{
		ID:        s.nextArtID,
		JobID:     jobID,
		Stage:     stage,
		Kind:      spec.Kind,
		Path:      spec.Path,
		Version:   version + 1,
		Digest:    spec.Digest,
		Size:      spec.Size,
		Meta:      spec.Meta,
		CreatedAt: s.now().UTC(),
	}
	s.artifacts[jobID] = append(s.artifacts[jobID], a)
	return &a, nil
}

func (s *Store) ListByJob(ctx context.Context, _ repository.Tx, jobID string) ([]model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.ErrNotFound
	}
	return append([]model.Artifact{}, s.artifacts[jobID]...), nil
}

// Put overwrites a ledger row without touching the event log. It exists to
// load fixtures, e.g. a ledger that diverged from its log.
func (s *Store) Put(job *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
}

func (s *Store) view(j *model.Job) *model.Job {
	out := j.Clone()
	out.Artifacts = slices.Clone(s.artifacts[j.ID])
	if out.Artifacts == nil {
		out.Artifacts = []model.Artifact{}
	}
	return out
}
