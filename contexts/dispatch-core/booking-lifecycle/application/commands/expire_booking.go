package commands

import (
	"context"
	"log/slog"
	"strings"
	"time"

	application "haulmatch/contexts/dispatch-core/booking-lifecycle/application"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	"haulmatch/internal/shared/events"
)

// ExpireBookingCommand names the booking whose horizon has elapsed.
type ExpireBookingCommand struct {
	BookingID string
}

// ExpireBookingResult reports what the timeout found. Expired is false when
// the booking had already reached a terminal state.
type ExpireBookingResult struct {
	Booking entities.Booking `json:"booking"`
	Expired bool             `json:"expired"`
}

// ExpireBookingUseCase finalizes a broadcast whose horizon elapsed. It is
// invoked by the booking timeout timer and by the startup sweeper, and must
// be safe to run any number of times for the same booking.
type ExpireBookingUseCase struct {
	Repository  ports.BookingRepository
	Guards      ports.GuardStore
	Broadcaster ports.Broadcaster
	Notifier    ports.Notifier
	Clock       ports.Clock
	Logger      *slog.Logger
}

func (u ExpireBookingUseCase) Execute(ctx context.Context, cmd ExpireBookingCommand) (ExpireBookingResult, error) {
	logger := application.ResolveLogger(u.Logger)

	if strings.TrimSpace(cmd.BookingID) == "" {
		return ExpireBookingResult{}, domainerrors.ErrInvalidBookingInput
	}

	booking, ok, err := u.Repository.GetBooking(ctx, cmd.BookingID)
	if err != nil {
		return ExpireBookingResult{}, err
	}
	if !ok {
		// Row is gone; only stale coordination state can remain.
		_ = u.Broadcaster.CancelTimers(ctx, cmd.BookingID)
		_ = u.Guards.ClearNotified(ctx, cmd.BookingID)
		return ExpireBookingResult{}, domainerrors.ErrBookingNotFound
	}
	if booking.Status.Terminal() {
		_ = u.Broadcaster.CancelTimers(ctx, booking.ID)
		return ExpireBookingResult{Booking: booking}, nil
	}

	now := u.now()
	rows, err := u.Repository.UpdateStatusIfIn(ctx, booking.ID,
		entities.OpenStatuses(), entities.StatusExpired, now)
	if err != nil {
		return ExpireBookingResult{}, err
	}
	if rows == 0 {
		// Raced with accept or cancel; whoever won owns the cleanup.
		current, ok, err := u.Repository.GetBooking(ctx, booking.ID)
		if err != nil || !ok {
			return ExpireBookingResult{}, err
		}
		return ExpireBookingResult{Booking: current}, nil
	}
	booking.Status = entities.StatusExpired
	booking.StateChangedAt = now

	u.cleanup(ctx, logger, booking)
	u.notifyExpired(ctx, logger, booking)

	logger.Info("expire booking completed",
		"event", "booking_expire_completed",
		"module", "dispatch-core/booking-lifecycle",
		"layer", "application",
		"booking_id", booking.ID,
		"trucks_filled", booking.TrucksFilled,
		"trucks_needed", booking.TrucksNeeded,
	)

	return ExpireBookingResult{Booking: booking, Expired: true}, nil
}

func (u ExpireBookingUseCase) cleanup(ctx context.Context, logger *slog.Logger, booking entities.Booking) {
	warn := func(step string, err error) {
		logger.Warn("expire booking cleanup step failed",
			"event", "booking_expire_cleanup_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"step", step,
			"error", err.Error(),
		)
	}
	if err := u.Broadcaster.CancelTimers(ctx, booking.ID); err != nil {
		warn("cancel_timers", err)
	}
	if err := u.Guards.ClearActiveBroadcast(ctx, booking.CustomerID); err != nil {
		warn("clear_active_broadcast", err)
	}
	if booking.Fingerprint != "" {
		if err := u.Guards.ClearIdempotencyMarker(ctx, booking.CustomerID, booking.Fingerprint); err != nil {
			warn("clear_idempotency_marker", err)
		}
	}
}

// notifyExpired distinguishes "nobody came" from "some trucks were secured
// before time ran out". Assignments made before expiry remain valid.
func (u ExpireBookingUseCase) notifyExpired(ctx context.Context, logger *slog.Logger, booking entities.Booking) {
	customerStatus := string(entities.StatusExpired)
	message := "no transporters accepted before the request timed out"
	if booking.TrucksFilled > 0 {
		customerStatus = "partially_filled_expired"
		message = "the request timed out with some trucks already secured"
	}
	if err := u.Notifier.NotifyUser(ctx, booking.CustomerID, events.BookingExpired, events.BookingStatePayload{
		BookingID:    booking.ID,
		Status:       customerStatus,
		TrucksNeeded: booking.TrucksNeeded,
		TrucksFilled: booking.TrucksFilled,
		ChangedAt:    booking.StateChangedAt,
		Message:      message,
	}); err != nil {
		logger.Warn("expire booking customer notify failed",
			"event", "booking_expire_notify_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}

	notified, err := u.Guards.NotifiedTransporters(ctx, booking.ID)
	if err != nil {
		notified = booking.NotifiedTransporters
	}
	if len(notified) > 0 {
		_ = u.Notifier.NotifyUsers(ctx, notified, events.RequestNoLongerAvailable, events.BookingStatePayload{
			BookingID: booking.ID,
			Status:    string(entities.StatusExpired),
			ChangedAt: booking.StateChangedAt,
			Message:   "this request has expired",
		})
	}
	_ = u.Guards.ClearNotified(ctx, booking.ID)
}

func (u ExpireBookingUseCase) now() time.Time {
	if u.Clock != nil {
		return u.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
