//go:build !integration

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/domain/ports/repository"
	"content-pipeline/internal/infra/artifacts"
	"content-pipeline/internal/infra/db/memory"
	red "content-pipeline/internal/infra/redis"
	"content-pipeline/internal/infra/stages"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stageFunc struct {
	name string
	fn   func(ctx context.Context, in adapter.StageInput) (model.StageResult, error)
	runs atomic.Int32
}

func (s *stageFunc) Name() string { return s.name }

func (s *stageFunc) Run(ctx context.Context, in adapter.StageInput) (model.StageResult, error) {
	s.runs.Add(1)
	if s.fn == nil {
		return model.Succeeded([]model.ArtifactSpec{{
			Kind: model.ArtifactKind(s.name), Path: "artifacts/" + s.name + "/out.txt", Digest: s.name, Size: 1,
		}}), nil
	}
	return s.fn(ctx, in)
}

type recordingNotifier struct {
	mu     sync.Mutex
	stages []string
}

func (n *recordingNotifier) NotifyGate(_ context.Context, j *model.Job, stage string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stages = append(n.stages, j.ID+"/"+stage)
	return nil
}

func (n *recordingNotifier) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.stages...)
}

type harness struct {
	store    *memory.Store
	runner   *Runner
	slot     *Slot
	notifier *recordingNotifier
	stages   map[string]*stageFunc
}

func newHarness(t *testing.T, fns map[string]func(context.Context, adapter.StageInput) (model.StageResult, error)) *harness {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.New()
	ws, err := artifacts.New(t.TempDir())
	require.NoError(t, err)

	h := &harness{store: store, notifier: &recordingNotifier{}, stages: map[string]*stageFunc{}}
	var list []adapter.StageAdapter
	for _, name := range []string{"outline", "script", "render"} {
		s := &stageFunc{name: name, fn: fns[name]}
		h.stages[name] = s
		list = append(list, s)
	}
	reg, err := stages.NewRegistry(list...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1, 4, &logger)
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	h.slot = NewSlot(nil, time.Minute, &logger)
	h.runner = NewRunner(RunnerDeps{
		Jobs:             store,
		Artifacts:        store,
		Stages:           reg,
		Workspace:        ws,
		Slot:             h.slot,
		Notifier:         h.notifier,
		Pool:             pool,
		MaxStageDuration: 200 * time.Millisecond,
	}, &logger)
	return h
}

func (h *harness) submit(t *testing.T, gates map[string]model.GatePolicy) *model.Job {
	t.Helper()
	cfg := model.JobConfig{Slug: "demo", Plan: []string{"outline", "script", "render"}, Gates: gates}
	job, _, err := h.store.Create(context.Background(), nil, model.NewJob(cfg, time.Now().UTC()),
		model.Draft(model.EventJobSubmitted, ""))
	require.NoError(t, err)
	return job
}

func (h *harness) get(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return j
}

func (h *harness) eventTypes(t *testing.T, id string) []model.EventType {
	t.Helper()
	evs, err := h.store.ListSince(context.Background(), nil, id, 0, 0)
	require.NoError(t, err)
	out := make([]model.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestRunner_GateHaltsAndApprovalResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	job := h.submit(t, map[string]model.GatePolicy{"script": {Required: true}})

	ran, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got := h.get(t, job.ID)
	assert.Equal(t, model.JobStatusNeedsApproval, got.Status)
	assert.Equal(t, "script", got.CurrentStage)
	assert.Len(t, got.Artifacts, 2)
	assert.EqualValues(t, 0, h.stages["render"].runs.Load())

	// Nothing else is runnable while the gate waits; the slot is free.
	ran, err = h.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	assert.Eventually(t, func() bool { return len(h.notifier.calls()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, job.ID+"/script", h.notifier.calls()[0])

	_, _, err = h.store.Transition(ctx, job.ID, model.ApproveGate("script", "alice", ""))
	require.NoError(t, err)
	ran, err = h.runner.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got = h.get(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Empty(t, got.CurrentStage)
	for _, s := range h.stages {
		assert.EqualValues(t, 1, s.runs.Load(), s.name)
	}
	assert.Equal(t, []model.EventType{
		model.EventJobSubmitted, model.EventJobStarted,
		model.EventStageStarted, model.EventStageCompleted,
		model.EventStageStarted, model.EventStageCompleted, model.EventGateRequested,
		model.EventGateApproved,
		model.EventStageStarted, model.EventStageCompleted, model.EventJobCompleted,
	}, h.eventTypes(t, job.ID))
}

func TestRunner_SingleLane(t *testing.T) {
	var active, peak atomic.Int32
	slow := func(ctx context.Context, in adapter.StageInput) (model.StageResult, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return model.Succeeded(nil), nil
	}
	h := newHarness(t, map[string]func(context.Context, adapter.StageInput) (model.StageResult, error){
		"outline": slow, "script": slow, "render": slow,
	})
	a := h.submit(t, nil)
	b := h.submit(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.runner.RunOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load(), "stages must never overlap")
	assert.Equal(t, model.JobStatusCompleted, h.get(t, a.ID).Status)
	assert.Equal(t, model.JobStatusCompleted, h.get(t, b.ID).Status)
}

func TestRunner_StageOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		script   func(context.Context, adapter.StageInput) (model.StageResult, error)
		wantKind string
	}{
		{
			name: "reported failure",
			script: func(context.Context, adapter.StageInput) (model.StageResult, error) {
				return model.Failed(domain.KindStageFailure, "tts exited 1"), nil
			},
			wantKind: domain.KindStageFailure,
		},
		{
			name: "adapter error",
			script: func(context.Context, adapter.StageInput) (model.StageResult, error) {
				return model.StageResult{}, errors.New("boom")
			},
			wantKind: domain.KindInternal,
		},
		{
			name: "panic",
			script: func(context.Context, adapter.StageInput) (model.StageResult, error) {
				panic("nil map")
			},
			wantKind: domain.KindInternal,
		},
		{
			name: "deadline",
			script: func(ctx context.Context, _ adapter.StageInput) (model.StageResult, error) {
				<-ctx.Done()
				return model.StageResult{}, ctx.Err()
			},
			wantKind: domain.KindStageTimeout,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, map[string]func(context.Context, adapter.StageInput) (model.StageResult, error){"script": tc.script})
			job := h.submit(t, nil)

			_, err := h.runner.RunOnce(context.Background())
			require.NoError(t, err)

			got := h.get(t, job.ID)
			assert.Equal(t, model.JobStatusFailed, got.Status)
			require.NotNil(t, got.Error)
			assert.Equal(t, tc.wantKind, got.Error.Kind)
			assert.EqualValues(t, 0, h.stages["render"].runs.Load())

			types := h.eventTypes(t, job.ID)
			assert.Equal(t, []model.EventType{model.EventStageFailed, model.EventJobFailed}, types[len(types)-2:])
		})
	}
}

func TestRunner_CooperativeCancelAndPause(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel requested mid-stage", func(t *testing.T) {
		var h *harness
		h = newHarness(t, map[string]func(context.Context, adapter.StageInput) (model.StageResult, error){
			"script": func(ctx context.Context, in adapter.StageInput) (model.StageResult, error) {
				_, _, err := h.store.Transition(ctx, in.Job.ID, model.RequestCancel())
				return model.Succeeded(nil), err
			},
		})
		job := h.submit(t, nil)

		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		got := h.get(t, job.ID)
		assert.Equal(t, model.JobStatusCanceled, got.Status)
		assert.EqualValues(t, 0, h.stages["render"].runs.Load())
	})

	t.Run("pause requested mid-stage then resumed", func(t *testing.T) {
		var h *harness
		h = newHarness(t, map[string]func(context.Context, adapter.StageInput) (model.StageResult, error){
			"outline": func(ctx context.Context, in adapter.StageInput) (model.StageResult, error) {
				_, _, err := h.store.Transition(ctx, in.Job.ID, model.RequestPause())
				return model.Succeeded(nil), err
			},
		})
		job := h.submit(t, nil)

		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		got := h.get(t, job.ID)
		assert.Equal(t, model.JobStatusPaused, got.Status)
		assert.Equal(t, "script", got.CurrentStage)
		assert.EqualValues(t, 0, h.stages["script"].runs.Load())

		_, _, err = h.store.Transition(ctx, job.ID, model.Resume())
		require.NoError(t, err)
		_, err = h.runner.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, h.get(t, job.ID).Status)
		assert.EqualValues(t, 1, h.stages["outline"].runs.Load())
	})
}

func TestRunner_WakeAndRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx) }()

	job := h.submit(t, nil)
	h.runner.Wake()
	h.runner.Wake() // never blocks

	assert.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), nil, job.ID)
		return err == nil && j.Status == model.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// flakyLedger fails the named transitions with a storage error. A count
// of -1 fails forever.
type flakyLedger struct {
	repository.JobRepository
	mu      sync.Mutex
	failing map[string]int
}

func (f *flakyLedger) Transition(ctx context.Context, id string, t model.Transition) (*model.Job, []model.Event, error) {
	f.mu.Lock()
	n := f.failing[t.Name]
	if n > 0 {
		f.failing[t.Name] = n - 1
	}
	f.mu.Unlock()
	if n != 0 {
		return nil, nil, &domain.StorageError{Op: "transition job", Err: errors.New("connection reset by peer")}
	}
	return f.JobRepository.Transition(ctx, id, t)
}

func (f *flakyLedger) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = nil
}

func (h *harness) flaky(failing map[string]int) *flakyLedger {
	f := &flakyLedger{JobRepository: h.store, failing: failing}
	h.runner.d.Jobs = f
	h.runner.d.RetryBackoff = time.Millisecond
	return f
}

func TestRunner_FailedLedgerWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("transient outcome failure is retried", func(t *testing.T) {
		h := newHarness(t, nil)
		h.flaky(map[string]int{"finish_stage": 1})
		job := h.submit(t, nil)

		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, h.get(t, job.ID).Status)
		assert.EqualValues(t, 1, h.stages["outline"].runs.Load())
	})

	t.Run("lost outcome requeues the stage", func(t *testing.T) {
		h := newHarness(t, nil)
		f := h.flaky(map[string]int{"finish_stage": -1})
		job := h.submit(t, nil)

		ran, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran)
		got := h.get(t, job.ID)
		assert.Equal(t, model.JobStatusRunning, got.Status)
		assert.Equal(t, "outline", got.CurrentStage)
		assert.True(t, got.Ready, "job must be claimable again")
		types := h.eventTypes(t, job.ID)
		assert.Equal(t, model.EventJobRecovered, types[len(types)-1])

		f.heal()
		ran, err = h.runner.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran)
		assert.Equal(t, model.JobStatusCompleted, h.get(t, job.ID).Status)
		assert.EqualValues(t, 2, h.stages["outline"].runs.Load())
	})

	t.Run("pending cancel wins over a lost outcome", func(t *testing.T) {
		var h *harness
		h = newHarness(t, map[string]func(context.Context, adapter.StageInput) (model.StageResult, error){
			"outline": func(ctx context.Context, in adapter.StageInput) (model.StageResult, error) {
				_, _, err := h.store.Transition(ctx, in.Job.ID, model.RequestCancel())
				return model.Succeeded(nil), err
			},
		})
		h.flaky(map[string]int{"finish_stage": -1})
		job := h.submit(t, nil)

		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		got := h.get(t, job.ID)
		assert.Equal(t, model.JobStatusCanceled, got.Status)
		assert.Empty(t, got.CurrentStage)
	})

	t.Run("failed start releases the job", func(t *testing.T) {
		h := newHarness(t, nil)
		f := h.flaky(map[string]int{"start_stage": -1})
		job := h.submit(t, nil)

		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		got := h.get(t, job.ID)
		assert.True(t, got.Runnable())
		assert.EqualValues(t, 0, h.stages["outline"].runs.Load())

		f.heal()
		_, err = h.runner.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, h.get(t, job.ID).Status)
	})

	t.Run("fail policy fails the job", func(t *testing.T) {
		h := newHarness(t, nil)
		h.runner.d.RecoveryPolicy = model.RecoverFail
		h.flaky(map[string]int{"finish_stage": -1})
		job := h.submit(t, nil)

		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		got := h.get(t, job.ID)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, domain.KindInternal, got.Error.Kind)
	})
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	inFlight := func(t *testing.T, h *harness) *model.Job {
		job := h.submit(t, nil)
		_, _, err := h.store.ClaimNext(ctx)
		require.NoError(t, err)
		_, _, err = h.store.Transition(ctx, job.ID, model.StartStage("outline"))
		require.NoError(t, err)
		return job
	}

	t.Run("requeue re-runs the interrupted stage", func(t *testing.T) {
		h := newHarness(t, nil)
		job := inFlight(t, h)

		rep, err := NewRecovery(h.store, h.store, h.slot, model.RecoverRequeue, &logger).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Interrupted)
		got := h.get(t, job.ID)
		assert.True(t, got.Ready)
		assert.Equal(t, "outline", got.CurrentStage)

		_, err = h.runner.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, h.get(t, job.ID).Status)
	})

	t.Run("fail policy fails the job", func(t *testing.T) {
		h := newHarness(t, nil)
		job := inFlight(t, h)

		rep, err := NewRecovery(h.store, h.store, h.slot, model.RecoverFail, &logger).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Interrupted)
		got := h.get(t, job.ID)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Equal(t, domain.KindInternal, got.Error.Kind)
	})

	t.Run("pending cancel wins over policy", func(t *testing.T) {
		h := newHarness(t, nil)
		job := inFlight(t, h)
		_, _, err := h.store.Transition(ctx, job.ID, model.RequestCancel())
		require.NoError(t, err)

		_, err = NewRecovery(h.store, h.store, h.slot, model.RecoverRequeue, &logger).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCanceled, h.get(t, job.ID).Status)
	})

	t.Run("ledger that disagrees with the log is repaired", func(t *testing.T) {
		h := newHarness(t, map[string]func(context.Context, adapter.StageInput) (model.StageResult, error){})
		job := h.submit(t, map[string]model.GatePolicy{"outline": {Required: true}})
		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)

		bad := h.get(t, job.ID)
		require.Equal(t, model.JobStatusNeedsApproval, bad.Status)
		bad.Status = model.JobStatusQueued
		bad.CurrentStage = ""
		h.store.Put(bad)

		rep, err := NewRecovery(h.store, h.store, h.slot, model.RecoverRequeue, &logger).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Reconciled)

		got := h.get(t, job.ID)
		assert.Equal(t, model.JobStatusNeedsApproval, got.Status)
		assert.Equal(t, "outline", got.CurrentStage)
		types := h.eventTypes(t, job.ID)
		assert.Equal(t, model.EventJobReconciled, types[len(types)-1])
	})
}

type memLocker struct {
	mu    sync.Mutex
	owner map[string]string
	lost  bool
}

func (l *memLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == nil {
		l.owner = map[string]string{}
	}
	if _, ok := l.owner[key]; ok {
		return "", red.ErrLockHeld
	}
	tok := time.Now().String()
	l.owner[key] = tok
	return tok, nil
}

func (l *memLocker) Refresh(_ context.Context, key, token string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost || l.owner[key] != token {
		return red.ErrLockLost
	}
	return nil
}

func (l *memLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner[key] == token {
		delete(l.owner, key)
	}
	return nil
}

func TestSlot_Lease(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	locker := &memLocker{}

	// Another process holds the lease.
	other, err := locker.TryLock(ctx, SlotKey, time.Minute)
	require.NoError(t, err)
	s := NewSlot(locker, 30*time.Millisecond, &logger)
	_, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, ErrSlotBusy)
	require.NoError(t, locker.Unlock(ctx, SlotKey, other))

	held, err := s.Acquire(ctx)
	require.NoError(t, err)
	locker.mu.Lock()
	locker.lost = true
	locker.mu.Unlock()
	select {
	case <-held.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("expected the held context to end when the lease is lost")
	}
	held.Release()

	locker.mu.Lock()
	locker.lost = false
	locker.mu.Unlock()
	again, err := s.Acquire(ctx)
	require.NoError(t, err)
	again.Release()
}

func TestPool_SubmitWhenFull(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(1, 1, &logger)
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrQueueFull)
	assert.Error(t, p.Submit(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Stop()
	p.Stop()
}
