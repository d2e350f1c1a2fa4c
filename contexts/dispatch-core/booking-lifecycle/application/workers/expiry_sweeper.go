package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	application "haulmatch/contexts/dispatch-core/booking-lifecycle/application"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/application/commands"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	"haulmatch/internal/platform/sharedstore"
)

// ExpirySweeper finalizes bookings whose horizon elapsed while no timer
// fired, typically across a full-cluster restart. RunOnce is called at
// startup and then on a slow interval as a safety net behind the timer
// engine. A distributed lock keeps the sweep singleton cluster-wide.
type ExpirySweeper struct {
	Repository ports.BookingRepository
	Expire     commands.ExpireBookingUseCase
	Store      sharedstore.Store
	Clock      ports.Clock
	Interval   time.Duration
	Logger     *slog.Logger

	lock *sharedstore.Mutex
}

const expirySweepLockName = "booking:expiry-sweep"

func (w *ExpirySweeper) interval() time.Duration {
	if w.Interval <= 0 {
		return time.Minute
	}
	return w.Interval
}

func (w *ExpirySweeper) now() time.Time {
	if w.Clock != nil {
		return w.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// RunOnce expires every overdue open booking. Skips silently when another
// instance holds the sweep lock.
func (w *ExpirySweeper) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(w.Logger)

	if w.lock == nil {
		w.lock = sharedstore.NewMutex(w.Store, expirySweepLockName, w.interval())
	}
	acquired, err := w.lock.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() { _ = w.lock.Release(ctx) }()

	overdue, err := w.Repository.ListExpiredOpenBookings(ctx, w.now())
	if err != nil {
		return err
	}

	var expired int
	for _, booking := range overdue {
		if _, err := w.Expire.Execute(ctx, commands.ExpireBookingCommand{BookingID: booking.ID}); err != nil {
			if errors.Is(err, domainerrors.ErrBookingNotFound) {
				continue
			}
			logger.Error("expiry sweep booking failed",
				"event", "booking_expiry_sweep_item_failed",
				"module", "dispatch-core/booking-lifecycle",
				"layer", "worker",
				"booking_id", booking.ID,
				"error", err.Error(),
			)
			continue
		}
		expired++
	}

	if expired > 0 {
		logger.Info("expiry sweep completed",
			"event", "booking_expiry_sweep_completed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "worker",
			"scanned", len(overdue),
			"expired", expired,
		)
	}
	return nil
}

// Run performs a catch-up sweep immediately, then loops until ctx ends.
func (w *ExpirySweeper) Run(ctx context.Context) error {
	logger := application.ResolveLogger(w.Logger)
	if err := w.RunOnce(ctx); err != nil {
		logger.Error("startup expiry sweep failed",
			"event", "booking_expiry_sweep_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "worker",
			"error", err.Error(),
		)
	}

	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				logger.Error("expiry sweep failed",
					"event", "booking_expiry_sweep_failed",
					"module", "dispatch-core/booking-lifecycle",
					"layer", "worker",
					"error", err.Error(),
				)
			}
		}
	}
}
