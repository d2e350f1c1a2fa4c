package workers

import (
	"context"
	"log/slog"
	"time"

	application "haulmatch/contexts/fleet-telemetry/presence-service/application"
	"haulmatch/internal/platform/sharedstore"
)

// StaleSweeper drops transporters whose presence TTL elapsed without renewal
// (crash or silent disconnect) and writes the durable availability flag back.
// A named distributed lock makes it effectively singleton cluster-wide.
type StaleSweeper struct {
	Presence application.Service
	Store    sharedstore.Store
	Interval time.Duration
	Logger   *slog.Logger

	lock *sharedstore.Mutex
}

const sweepLockName = "presence:stale-sweep"

func (w *StaleSweeper) interval() time.Duration {
	if w.Interval <= 0 {
		return 30 * time.Second
	}
	return w.Interval
}

// RunOnce sweeps the online set once. Skips silently when another instance
// holds the sweep lock.
func (w *StaleSweeper) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(w.Logger)

	if w.lock == nil {
		w.lock = sharedstore.NewMutex(w.Store, sweepLockName, w.interval())
	}
	acquired, err := w.lock.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() { _ = w.lock.Release(ctx) }()

	members, err := w.Presence.OnlineMembers(ctx)
	if err != nil {
		return err
	}

	var dropped int
	for _, transporterID := range members {
		exists, err := w.Store.Exists(ctx, "driver:details:"+transporterID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := w.Presence.DropStale(ctx, transporterID); err != nil {
			logger.Error("stale presence drop failed",
				"event", "presence_stale_drop_failed",
				"module", "fleet-telemetry/presence-service",
				"layer", "worker",
				"transporter_id", transporterID,
				"error", err.Error(),
			)
			continue
		}
		dropped++
	}

	if dropped > 0 {
		logger.Info("stale presence sweep completed",
			"event", "presence_stale_sweep_completed",
			"module", "fleet-telemetry/presence-service",
			"layer", "worker",
			"scanned", len(members),
			"dropped", dropped,
		)
	}
	return nil
}

// Run drives the sweep loop until ctx is cancelled.
func (w *StaleSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				application.ResolveLogger(w.Logger).Error("stale presence sweep failed",
					"event", "presence_stale_sweep_failed",
					"module", "fleet-telemetry/presence-service",
					"layer", "worker",
					"error", err.Error(),
				)
			}
		}
	}
}
