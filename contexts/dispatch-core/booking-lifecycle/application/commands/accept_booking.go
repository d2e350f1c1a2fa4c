package commands

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	application "haulmatch/contexts/dispatch-core/booking-lifecycle/application"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	"haulmatch/internal/shared/events"
)

// AcceptBookingCommand is a transporter claiming one truck slot.
type AcceptBookingCommand struct {
	BookingID     string
	TransporterID string
	DriverID      string
}

// AcceptBookingResult reports the created assignment and fill progress.
type AcceptBookingResult struct {
	Assignment  entities.Assignment `json:"assignment"`
	Booking     entities.Booking    `json:"booking"`
	FullyFilled bool                `json:"fully_filled"`
}

// AcceptBookingUseCase serializes slot claims through one atomic conditional
// increment on the durable row. Every concurrent acceptor runs the same
// increment; exactly TrucksNeeded of them see it apply.
type AcceptBookingUseCase struct {
	Repository  ports.BookingRepository
	Guards      ports.GuardStore
	Broadcaster ports.Broadcaster
	Notifier    ports.Notifier
	Clock       ports.Clock
	IDGenerator ports.IDGenerator
	Logger      *slog.Logger
}

func (u AcceptBookingUseCase) Execute(ctx context.Context, cmd AcceptBookingCommand) (AcceptBookingResult, error) {
	logger := application.ResolveLogger(u.Logger)

	if strings.TrimSpace(cmd.BookingID) == "" || strings.TrimSpace(cmd.TransporterID) == "" {
		return AcceptBookingResult{}, domainerrors.ErrInvalidBookingInput
	}

	booking, ok, err := u.Repository.GetBooking(ctx, cmd.BookingID)
	if err != nil {
		return AcceptBookingResult{}, err
	}
	if !ok {
		return AcceptBookingResult{}, domainerrors.ErrBookingNotFound
	}
	if booking.Status.Terminal() {
		return AcceptBookingResult{}, domainerrors.ErrRequestAlreadyTaken
	}

	vehicle, found, err := u.Repository.FindAvailableVehicle(ctx, cmd.TransporterID, booking.VehicleType, booking.VehicleSubtype)
	if err != nil {
		return AcceptBookingResult{}, err
	}
	if !found {
		return AcceptBookingResult{}, u.classifyVehicleMiss(ctx, cmd.TransporterID, booking)
	}

	now := u.now()
	updated, applied, err := u.Repository.IncrementTrucksFilled(ctx, booking.ID, now)
	if err != nil {
		return AcceptBookingResult{}, err
	}
	if !applied {
		return AcceptBookingResult{}, domainerrors.ErrRequestAlreadyTaken
	}

	assignmentID, err := u.IDGenerator.NewID(ctx)
	if err != nil {
		return AcceptBookingResult{}, err
	}
	assignment := entities.Assignment{
		ID:            assignmentID,
		BookingID:     booking.ID,
		TransporterID: cmd.TransporterID,
		VehicleID:     vehicle.ID,
		DriverID:      cmd.DriverID,
		Status:        entities.AssignmentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := u.Repository.CreateAssignment(ctx, assignment); err != nil {
		return AcceptBookingResult{}, err
	}
	if err := u.Repository.MarkVehicleAssigned(ctx, vehicle.ID, booking.ID); err != nil {
		logger.Warn("accept booking vehicle mark failed",
			"event", "booking_accept_vehicle_mark_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"vehicle_id", vehicle.ID,
			"error", err.Error(),
		)
	}

	fullyFilled := updated.TrucksFilled >= updated.TrucksNeeded
	u.notifyAccepted(ctx, logger, updated, assignment)
	if fullyFilled {
		u.finishFullyFilled(ctx, logger, &updated)
	} else {
		u.reportPartialFill(ctx, logger, &updated, cmd.TransporterID)
	}

	logger.Info("accept booking completed",
		"event", "booking_accept_completed",
		"module", "dispatch-core/booking-lifecycle",
		"layer", "application",
		"booking_id", updated.ID,
		"transporter_id", cmd.TransporterID,
		"trucks_filled", updated.TrucksFilled,
		"trucks_needed", updated.TrucksNeeded,
	)

	return AcceptBookingResult{Assignment: assignment, Booking: updated, FullyFilled: fullyFilled}, nil
}

// classifyVehicleMiss decides between "wrong fleet" and "fleet busy" so the
// transporter gets an actionable refusal.
func (u AcceptBookingUseCase) classifyVehicleMiss(ctx context.Context, transporterID string, booking entities.Booking) error {
	types, err := u.Repository.TransporterTruckTypes(ctx, transporterID)
	if err != nil {
		return err
	}
	if slices.Contains(types, booking.TruckTypeKey()) {
		return domainerrors.ErrVehicleInsufficient
	}
	return domainerrors.ErrVehicleTypeMismatch
}

func (u AcceptBookingUseCase) notifyAccepted(ctx context.Context, logger *slog.Logger, booking entities.Booking, assignment entities.Assignment) {
	if err := u.Notifier.NotifyUser(ctx, assignment.TransporterID, events.AcceptConfirmation, events.AcceptConfirmationPayload{
		BookingID:    booking.ID,
		AssignmentID: assignment.ID,
		VehicleID:    assignment.VehicleID,
		AcceptedAt:   assignment.CreatedAt,
	}); err != nil {
		logger.Warn("accept confirmation notify failed",
			"event", "booking_accept_confirm_notify_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"transporter_id", assignment.TransporterID,
			"error", err.Error(),
		)
	}
	if err := u.Notifier.NotifyUser(ctx, booking.CustomerID, events.TruckAssigned, events.TruckAssignedPayload{
		BookingID:     booking.ID,
		AssignmentID:  assignment.ID,
		TransporterID: assignment.TransporterID,
		TrucksFilled:  booking.TrucksFilled,
		TrucksNeeded:  booking.TrucksNeeded,
	}); err != nil {
		logger.Warn("truck assigned notify failed",
			"event", "booking_accept_assigned_notify_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}
}

// finishFullyFilled closes out the broadcast after the last slot is claimed:
// terminal transition, timer/marker cleanup, winner/loser notifications.
func (u AcceptBookingUseCase) finishFullyFilled(ctx context.Context, logger *slog.Logger, booking *entities.Booking) {
	now := u.now()
	if _, err := u.Repository.UpdateStatusIfIn(ctx, booking.ID,
		entities.AcceptableStatuses(), entities.StatusFullyFilled, now); err != nil {
		logger.Error("fully filled transition failed",
			"event", "booking_accept_fully_filled_transition_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}
	booking.Status = entities.StatusFullyFilled
	booking.StateChangedAt = now

	if err := u.Broadcaster.CancelTimers(ctx, booking.ID); err != nil {
		logger.Warn("fully filled timer cancel failed",
			"event", "booking_accept_timer_cancel_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}
	// The two guards are independent; a failed clear on one must not strand
	// the other past its TTL.
	if err := u.Guards.ClearActiveBroadcast(ctx, booking.CustomerID); err != nil {
		logger.Warn("active broadcast clear failed",
			"event", "booking_accept_guard_clear_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"customer_id", booking.CustomerID,
			"error", err.Error(),
		)
	}
	if booking.Fingerprint != "" {
		if err := u.Guards.ClearIdempotencyMarker(ctx, booking.CustomerID, booking.Fingerprint); err != nil {
			logger.Warn("idempotency marker clear failed",
				"event", "booking_accept_marker_clear_failed",
				"module", "dispatch-core/booking-lifecycle",
				"layer", "application",
				"booking_id", booking.ID,
				"customer_id", booking.CustomerID,
				"error", err.Error(),
			)
		}
	}

	if err := u.Notifier.NotifyUser(ctx, booking.CustomerID, events.BookingFullyFilled, events.BookingStatePayload{
		BookingID:    booking.ID,
		Status:       string(entities.StatusFullyFilled),
		TrucksNeeded: booking.TrucksNeeded,
		TrucksFilled: booking.TrucksFilled,
		ChangedAt:    now,
	}); err != nil {
		logger.Warn("fully filled customer notify failed",
			"event", "booking_accept_filled_notify_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}

	losers, err := u.losingTransporters(ctx, *booking)
	if err != nil {
		logger.Warn("fully filled loser resolution failed",
			"event", "booking_accept_losers_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
		return
	}
	if len(losers) > 0 {
		_ = u.Notifier.NotifyUsers(ctx, losers, events.RequestNoLongerAvailable, events.BookingStatePayload{
			BookingID: booking.ID,
			Status:    string(entities.StatusFullyFilled),
			ChangedAt: now,
			Message:   "all trucks for this request have been assigned",
		})
	}
	_ = u.Guards.ClearNotified(ctx, booking.ID)
}

// reportPartialFill tells the customer about progress and the remaining
// candidates about the shrinking slot count.
func (u AcceptBookingUseCase) reportPartialFill(ctx context.Context, logger *slog.Logger, booking *entities.Booking, winnerID string) {
	now := u.now()
	if _, err := u.Repository.UpdateStatusIfIn(ctx, booking.ID,
		[]entities.BookingStatus{entities.StatusBroadcasting, entities.StatusActive},
		entities.StatusPartiallyFilled, now); err != nil {
		logger.Warn("partial fill transition failed",
			"event", "booking_accept_partial_transition_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}
	booking.Status = entities.StatusPartiallyFilled
	booking.StateChangedAt = now

	if err := u.Notifier.NotifyUser(ctx, booking.CustomerID, events.BookingPartiallyFilled, events.BookingStatePayload{
		BookingID:    booking.ID,
		Status:       string(entities.StatusPartiallyFilled),
		TrucksNeeded: booking.TrucksNeeded,
		TrucksFilled: booking.TrucksFilled,
		ChangedAt:    now,
	}); err != nil {
		logger.Warn("partial fill customer notify failed",
			"event", "booking_accept_partial_notify_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}

	notified, err := u.Guards.NotifiedTransporters(ctx, booking.ID)
	if err != nil {
		return
	}
	remaining := make([]string, 0, len(notified))
	for _, id := range notified {
		if id != winnerID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) > 0 {
		_ = u.Notifier.NotifyUsers(ctx, remaining, events.TrucksRemainingUpdate, events.TrucksRemainingPayload{
			BookingID:       booking.ID,
			TrucksRemaining: booking.TrucksRemaining(),
		})
	}
}

// losingTransporters is the notified set minus everyone holding an
// assignment.
func (u AcceptBookingUseCase) losingTransporters(ctx context.Context, booking entities.Booking) ([]string, error) {
	notified, err := u.Guards.NotifiedTransporters(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	assignments, err := u.Repository.AssignmentsForBooking(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	winners := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		if a.Status != entities.AssignmentCancelled {
			winners[a.TransporterID] = struct{}{}
		}
	}
	losers := make([]string, 0, len(notified))
	for _, id := range notified {
		if _, won := winners[id]; !won {
			losers = append(losers, id)
		}
	}
	return losers, nil
}

func (u AcceptBookingUseCase) now() time.Time {
	if u.Clock != nil {
		return u.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
