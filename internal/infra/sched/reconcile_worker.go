package sched

import (
	"context"
	"errors"
	"time"

	"content-pipeline/internal/infra/worker"

	"github.com/rs/zerolog"
)

// Recoverer is the repair pass over the ledger.
type Recoverer interface {
	Run(ctx context.Context) (worker.Report, error)
}

// ReconcileWorker repeats recovery on every tick. The startup pass is the
// caller's job: it must finish before the runner claims anything.
type ReconcileWorker struct {
	interval time.Duration
	rec      Recoverer
	log      *zerolog.Logger
}

func NewReconcileWorker(interval time.Duration, rec Recoverer, logger *zerolog.Logger) *ReconcileWorker {
	compLog := logger.With().Str("component", "ReconcileWorker").Logger()
	return &ReconcileWorker{
		interval: interval,
		rec:      rec,
		log:      &compLog,
	}
}

func (w *ReconcileWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting reconcile worker")
	if w.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping reconcile worker")
			return ctx.Err()
		case <-ticker.C:
			w.runPass(ctx)
		}
	}
}

func (w *ReconcileWorker) runPass(ctx context.Context) {
	rep, err := w.rec.Run(ctx)
	switch {
	case errors.Is(err, worker.ErrSlotBusy):
		w.log.Debug().Msg("slot held elsewhere; skipping pass")
	case err != nil && ctx.Err() == nil:
		w.log.Error().Err(err).Msg("reconcile pass failed")
	}
	if rep.Interrupted > 0 || rep.Reconciled > 0 {
		w.log.Info().Int("interrupted", rep.Interrupted).Int("reconciled", rep.Reconciled).Msg("ledger repaired")
	}
}
