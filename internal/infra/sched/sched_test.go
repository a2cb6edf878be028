//go:build !integration

package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"content-pipeline/internal/infra/worker"

	"github.com/rs/zerolog"
)

type fakeExpirer struct {
	calls atomic.Int32
	last  atomic.Value
}

func (f *fakeExpirer) ExpireGates(_ context.Context, now time.Time) (int, error) {
	f.calls.Add(1)
	f.last.Store(now)
	return 1, nil
}

func TestGateWatcher_TicksUntilCanceled(t *testing.T) {
	logger := zerolog.Nop()
	fe := &fakeExpirer{}
	w := NewGateWatcher(5*time.Millisecond, fe, &logger)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the context error, got %v", err)
	}
	if fe.calls.Load() < 2 {
		t.Fatalf("expected several checks, got %d", fe.calls.Load())
	}
	if got := fe.last.Load().(time.Time); !got.Equal(fixed) {
		t.Fatalf("expected the watcher clock to be used, got %v", got)
	}
}

type fakeRecoverer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRecoverer) Run(context.Context) (worker.Report, error) {
	f.calls.Add(1)
	return worker.Report{Interrupted: 1}, f.err
}

func TestReconcileWorker(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("does nothing without an interval", func(t *testing.T) {
		fr := &fakeRecoverer{}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_ = NewReconcileWorker(0, fr, &logger).Run(ctx)
		if fr.calls.Load() != 0 {
			t.Fatalf("expected no pass, got %d", fr.calls.Load())
		}
	})

	t.Run("waits a full interval before the first pass", func(t *testing.T) {
		fr := &fakeRecoverer{}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_ = NewReconcileWorker(time.Hour, fr, &logger).Run(ctx)
		if fr.calls.Load() != 0 {
			t.Fatalf("startup pass belongs to the caller, got %d passes", fr.calls.Load())
		}
	})

	t.Run("repeats on the interval and tolerates a busy slot", func(t *testing.T) {
		fr := &fakeRecoverer{err: worker.ErrSlotBusy}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
		defer cancel()
		_ = NewReconcileWorker(5*time.Millisecond, fr, &logger).Run(ctx)
		if fr.calls.Load() < 2 {
			t.Fatalf("expected repeated passes, got %d", fr.calls.Load())
		}
	})
}
