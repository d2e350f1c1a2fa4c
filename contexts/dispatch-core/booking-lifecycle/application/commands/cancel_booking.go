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

// CancelBookingCommand identifies the booking and the requesting customer.
type CancelBookingCommand struct {
	BookingID  string
	CustomerID string
}

// CancelBookingResult reports the terminal row. AlreadyCancelled marks the
// idempotent repeat case.
type CancelBookingResult struct {
	Booking          entities.Booking `json:"booking"`
	AlreadyCancelled bool             `json:"already_cancelled"`
}

// CancelBookingUseCase tears a broadcast down on customer request.
type CancelBookingUseCase struct {
	Repository  ports.BookingRepository
	Guards      ports.GuardStore
	Broadcaster ports.Broadcaster
	Notifier    ports.Notifier
	Clock       ports.Clock
	Logger      *slog.Logger
}

// Execute applies the conditional cancel transition and then cleans up
// timers, markers, pending assignments, and notified transporters. Repeat
// cancels succeed without re-running cleanup.
func (u CancelBookingUseCase) Execute(ctx context.Context, cmd CancelBookingCommand) (CancelBookingResult, error) {
	logger := application.ResolveLogger(u.Logger)

	if strings.TrimSpace(cmd.BookingID) == "" || strings.TrimSpace(cmd.CustomerID) == "" {
		return CancelBookingResult{}, domainerrors.ErrInvalidBookingInput
	}

	booking, ok, err := u.Repository.GetBooking(ctx, cmd.BookingID)
	if err != nil {
		return CancelBookingResult{}, err
	}
	if !ok {
		return CancelBookingResult{}, domainerrors.ErrBookingNotFound
	}
	if booking.CustomerID != cmd.CustomerID {
		return CancelBookingResult{}, domainerrors.ErrForbidden
	}

	now := u.now()
	rows, err := u.Repository.UpdateStatusIfIn(ctx, booking.ID,
		entities.OpenStatuses(), entities.StatusCancelled, now)
	if err != nil {
		return CancelBookingResult{}, err
	}
	if rows == 0 {
		// Lost the race. Re-read to tell "already cancelled" apart from a
		// genuinely terminal booking.
		current, ok, err := u.Repository.GetBooking(ctx, booking.ID)
		if err != nil {
			return CancelBookingResult{}, err
		}
		if ok && current.Status == entities.StatusCancelled {
			return CancelBookingResult{Booking: current, AlreadyCancelled: true}, nil
		}
		return CancelBookingResult{}, domainerrors.ErrBookingCannotCancel
	}
	booking.Status = entities.StatusCancelled
	booking.StateChangedAt = now

	u.cleanup(ctx, logger, booking)

	if err := u.Notifier.NotifyUser(ctx, booking.CustomerID, events.BookingUpdated, events.BookingStatePayload{
		BookingID:    booking.ID,
		Status:       string(entities.StatusCancelled),
		TrucksNeeded: booking.TrucksNeeded,
		TrucksFilled: booking.TrucksFilled,
		ChangedAt:    now,
	}); err != nil {
		logger.Warn("cancel booking customer notify failed",
			"event", "booking_cancel_notify_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}

	logger.Info("cancel booking completed",
		"event", "booking_cancel_completed",
		"module", "dispatch-core/booking-lifecycle",
		"layer", "application",
		"booking_id", booking.ID,
		"customer_id", booking.CustomerID,
	)

	return CancelBookingResult{Booking: booking}, nil
}

// cleanup is best effort: the row is already terminal, and stale timers and
// markers are harmless (timer handlers re-check status; markers expire).
func (u CancelBookingUseCase) cleanup(ctx context.Context, logger *slog.Logger, booking entities.Booking) {
	warn := func(step string, err error) {
		logger.Warn("cancel booking cleanup step failed",
			"event", "booking_cancel_cleanup_failed",
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
	if _, err := u.Repository.CancelPendingAssignments(ctx, booking.ID, u.now()); err != nil {
		warn("cancel_pending_assignments", err)
	}

	notified, err := u.Guards.NotifiedTransporters(ctx, booking.ID)
	if err != nil {
		warn("load_notified", err)
		notified = booking.NotifiedTransporters
	}
	if len(notified) > 0 {
		if err := u.Notifier.NotifyUsers(ctx, notified, events.RequestNoLongerAvailable, events.BookingStatePayload{
			BookingID: booking.ID,
			Status:    string(entities.StatusCancelled),
			ChangedAt: booking.StateChangedAt,
			Message:   "this request was cancelled by the customer",
		}); err != nil {
			warn("notify_transporters", err)
		}
	}
	if err := u.Guards.ClearNotified(ctx, booking.ID); err != nil {
		warn("clear_notified", err)
	}
}

func (u CancelBookingUseCase) now() time.Time {
	if u.Clock != nil {
		return u.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
