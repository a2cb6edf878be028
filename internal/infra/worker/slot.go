package worker

import (
	"context"
	"errors"
	"time"

	"content-pipeline/internal/infra/metrics"
	red "content-pipeline/internal/infra/redis"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrSlotBusy means another orchestrator process holds the execution lease.
var ErrSlotBusy = errors.New("worker slot held by another process")

// SlotKey is the Redis key of the cross-process execution lease.
const SlotKey = "pipeline:worker-slot"

// Slot is the single execution lane. In-process exclusion comes from a
// one-permit semaphore; with a Locker it also holds a lease so that two
// orchestrator processes never run stages at the same time.
type Slot struct {
	sem    *semaphore.Weighted
	locker red.Locker
	key    string
	ttl    time.Duration
	log    *zerolog.Logger
}

// NewSlot builds the lane; locker may be nil for single-process runs.
func NewSlot(locker red.Locker, ttl time.Duration, logger *zerolog.Logger) *Slot {
	if ttl <= 0 {
		ttl = time.Minute
	}
	l := logger.With().Str("component", "slot").Logger()
	return &Slot{sem: semaphore.NewWeighted(1), locker: locker, key: SlotKey, ttl: ttl, log: &l}
}

// Held is an acquired slot. Its context ends when the lease is lost.
type Held struct {
	ctx     context.Context
	release func()
}

func (h *Held) Context() context.Context { return h.ctx }

// Release gives the slot back; it must be called exactly once.
func (h *Held) Release() { h.release() }

// Acquire waits for the in-process permit, then takes the lease.
func (s *Slot) Acquire(ctx context.Context) (*Held, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.SetSlotBusy(true)
	free := func() {
		metrics.SetSlotBusy(false)
		s.sem.Release(1)
	}
	hctx, cancel := context.WithCancel(ctx)
	if s.locker == nil {
		return &Held{ctx: hctx, release: func() { cancel(); free() }}, nil
	}

	token, err := s.locker.TryLock(ctx, s.key, s.ttl)
	if err != nil {
		cancel()
		free()
		if errors.Is(err, red.ErrLockHeld) {
			return nil, ErrSlotBusy
		}
		return nil, err
	}
	done := make(chan struct{})
	go s.keepAlive(hctx, cancel, token, done)
	return &Held{ctx: hctx, release: func() {
		cancel()
		<-done
		uctx, ucancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ucancel()
		if err := s.locker.Unlock(uctx, s.key, token); err != nil {
			s.log.Warn().Err(err).Msg("slot unlock failed; lease will expire")
		}
		free()
	}}, nil
}

func (s *Slot) keepAlive(ctx context.Context, cancel context.CancelFunc, token string, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := s.locker.Refresh(ctx, s.key, token, s.ttl)
			switch {
			case err == nil:
			case errors.Is(err, red.ErrLockLost):
				s.log.Error().Msg("slot lease lost; stopping current work")
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				s.log.Warn().Err(err).Msg("slot lease refresh failed")
			}
		}
	}
}
