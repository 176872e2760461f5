package market

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Watcher drives Reconcile on a schedule so clients no longer have to
// poll "check" themselves; the action remains available as a manual
// trigger. Consecutive passes that only hit ledger errors back off up
// to MaxInterval.
type Watcher struct {
	engine      *Engine
	log         *zap.SugaredLogger
	Interval    time.Duration
	MaxInterval time.Duration
}

func NewWatcher(engine *Engine, log *zap.SugaredLogger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{
		engine:      engine,
		log:         log,
		Interval:    interval,
		MaxInterval: 8 * interval,
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	wait := w.Interval
	w.log.Infow("watcher_started", "interval", w.Interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Infow("watcher_stopped")
			return
		case <-w.engine.clock.After(wait):
		}

		err := w.engine.Reconcile(ctx)
		watcherPasses.Inc()
		if err != nil && ctx.Err() == nil {
			// Ledger trouble; stretch the next pass.
			wait *= 2
			if wait > w.MaxInterval {
				wait = w.MaxInterval
			}
			w.log.Warnw("reconcile_pass_failed", "err", err, "next_pass_in", wait)
			continue
		}
		wait = w.Interval
	}
}
