package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// GateExpirer settles gates whose timeout has passed.
type GateExpirer interface {
	ExpireGates(ctx context.Context, now time.Time) (int, error)
}

// GateWatcher periodically applies gate timeout policies via the use case.
type GateWatcher struct {
	interval time.Duration
	gates    GateExpirer
	now      func() time.Time
	log      *zerolog.Logger
}

func NewGateWatcher(interval time.Duration, gates GateExpirer, logger *zerolog.Logger) *GateWatcher {
	compLog := logger.With().Str("component", "GateWatcher").Logger()
	return &GateWatcher{
		interval: interval,
		gates:    gates,
		now:      time.Now,
		log:      &compLog,
	}
}

func (w *GateWatcher) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting gate watcher")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping gate watcher")
			return ctx.Err()
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *GateWatcher) check(ctx context.Context) {
	n, err := w.gates.ExpireGates(ctx, w.now().UTC())
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("gate watcher error")
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("expired gates settled")
	}
}
