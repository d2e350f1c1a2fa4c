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

// CreateBookingCommand contains input for launching a broadcast.
type CreateBookingCommand struct {
	CustomerID    string
	CustomerName  string
	CustomerPhone string

	Pickup entities.Location
	Drop   entities.Location

	VehicleType    string
	VehicleSubtype string

	TrucksNeeded  int
	PricePerTruck float64
	DistanceKM    float64
	Goods         string
	WeightTonnes  float64
	ScheduledAt   *time.Time
}

// CreateBookingResult reports the launched (or replayed) broadcast.
type CreateBookingResult struct {
	Booking              entities.Booking `json:"booking"`
	MatchingTransporters int              `json:"matching_transporters"`
	TimeoutSeconds       int              `json:"timeout_seconds"`
	Replayed             bool             `json:"replayed"`
}

// CreateBookingUseCase coordinates the create flow: guards first, durable
// row second, fan-out last.
type CreateBookingUseCase struct {
	Repository  ports.BookingRepository
	Guards      ports.GuardStore
	Broadcaster ports.Broadcaster
	Notifier    ports.Notifier
	Clock       ports.Clock
	IDGenerator ports.IDGenerator
	Horizon     time.Duration
	Logger      *slog.Logger
}

// Execute runs duplicate/replay detection, enforces single-in-flight, writes
// the booking, and hands it to the dispatcher. Marker writes after the
// durable insert are retried once and then only logged; the durable row is
// authoritative.
func (u CreateBookingUseCase) Execute(ctx context.Context, cmd CreateBookingCommand) (CreateBookingResult, error) {
	logger := application.ResolveLogger(u.Logger)
	logger.Info("create booking started",
		"event", "booking_create_started",
		"module", "dispatch-core/booking-lifecycle",
		"layer", "application",
		"customer_id", cmd.CustomerID,
		"trucks_needed", cmd.TrucksNeeded,
	)

	if err := validateCreate(cmd); err != nil {
		return CreateBookingResult{}, err
	}

	requestHash, err := fingerprint(cmd.CustomerID, cmd.VehicleType, cmd.VehicleSubtype,
		cmd.Pickup.Lat, cmd.Pickup.Lng, cmd.Drop.Lat, cmd.Drop.Lng)
	if err != nil {
		return CreateBookingResult{}, err
	}

	acquired, err := u.Guards.AcquireCreateLock(ctx, cmd.CustomerID)
	if err != nil {
		return CreateBookingResult{}, err
	}
	if !acquired {
		return CreateBookingResult{}, domainerrors.ErrOrderActiveExists
	}
	defer func() {
		if err := u.Guards.ReleaseCreateLock(context.WithoutCancel(ctx), cmd.CustomerID); err != nil {
			logger.Warn("create booking lock release failed",
				"event", "booking_create_lock_release_failed",
				"module", "dispatch-core/booking-lifecycle",
				"layer", "application",
				"customer_id", cmd.CustomerID,
				"error", err.Error(),
			)
		}
	}()

	if replay, found, err := u.replayExisting(ctx, cmd.CustomerID, requestHash); err != nil {
		return CreateBookingResult{}, err
	} else if found {
		logger.Info("create booking replayed",
			"event", "booking_create_replayed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"customer_id", cmd.CustomerID,
			"booking_id", replay.Booking.ID,
		)
		return replay, nil
	}

	if bookingID, found, err := u.Guards.ActiveBroadcast(ctx, cmd.CustomerID); err != nil {
		return CreateBookingResult{}, err
	} else if found && bookingID != "" {
		return CreateBookingResult{}, domainerrors.ErrOrderActiveExists
	}

	bookingID, err := u.IDGenerator.NewID(ctx)
	if err != nil {
		return CreateBookingResult{}, err
	}

	now := u.now()
	booking := entities.Booking{
		ID:             bookingID,
		CustomerID:     cmd.CustomerID,
		CustomerName:   cmd.CustomerName,
		CustomerPhone:  cmd.CustomerPhone,
		Pickup:         cmd.Pickup,
		Drop:           cmd.Drop,
		VehicleType:    cmd.VehicleType,
		VehicleSubtype: cmd.VehicleSubtype,
		TrucksNeeded:   cmd.TrucksNeeded,
		PricePerTruck:  cmd.PricePerTruck,
		TotalAmount:    cmd.PricePerTruck * float64(cmd.TrucksNeeded),
		DistanceKM:     cmd.DistanceKM,
		Goods:          cmd.Goods,
		WeightTonnes:   cmd.WeightTonnes,
		ScheduledAt:    cmd.ScheduledAt,
		ExpiresAt:      now.Add(u.horizon()),
		Status:         entities.StatusCreated,
		Fingerprint:    requestHash,
		CreatedAt:      now,
		StateChangedAt: now,
	}

	if err := u.Repository.CreateBooking(ctx, booking); err != nil {
		return CreateBookingResult{}, err
	}

	matches, err := u.Broadcaster.ResolveInitialMatches(ctx, booking)
	if err != nil {
		return CreateBookingResult{}, err
	}
	if len(matches.TransporterIDs) == 0 {
		return u.expireUnmatched(ctx, logger, booking)
	}

	if _, err := u.Repository.UpdateStatusIfIn(ctx, booking.ID,
		[]entities.BookingStatus{entities.StatusCreated}, entities.StatusBroadcasting, u.now()); err != nil {
		return CreateBookingResult{}, err
	}
	booking.Status = entities.StatusBroadcasting

	notified, err := u.Broadcaster.Launch(ctx, booking, matches)
	if err != nil {
		logger.Error("create booking fan-out failed",
			"event", "booking_create_fanout_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
		return CreateBookingResult{}, err
	}

	u.writeMarkers(ctx, logger, booking, requestHash)

	if _, err := u.Repository.UpdateStatusIfIn(ctx, booking.ID,
		[]entities.BookingStatus{entities.StatusBroadcasting}, entities.StatusActive, u.now()); err != nil {
		return CreateBookingResult{}, err
	}
	booking.Status = entities.StatusActive
	booking.StateChangedAt = u.now()

	if err := u.Notifier.NotifyUser(ctx, booking.CustomerID, events.BroadcastStateChanged, events.BookingStatePayload{
		BookingID:    booking.ID,
		Status:       string(entities.StatusActive),
		TrucksNeeded: booking.TrucksNeeded,
		TrucksFilled: booking.TrucksFilled,
		ChangedAt:    booking.StateChangedAt,
	}); err != nil {
		logger.Warn("create booking customer notify failed",
			"event", "booking_create_notify_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}

	logger.Info("create booking completed",
		"event", "booking_create_completed",
		"module", "dispatch-core/booking-lifecycle",
		"layer", "application",
		"booking_id", booking.ID,
		"customer_id", booking.CustomerID,
		"notified", notified,
	)

	return CreateBookingResult{
		Booking:              booking,
		MatchingTransporters: notified,
		TimeoutSeconds:       int(u.horizon().Seconds()),
	}, nil
}

// replayExisting returns the prior result when the same fingerprint maps to a
// still-open booking. A marker pointing at a finished booking is cleared and
// ignored.
func (u CreateBookingUseCase) replayExisting(ctx context.Context, customerID, requestHash string) (CreateBookingResult, bool, error) {
	bookingID, found, err := u.Guards.IdempotencyMarker(ctx, customerID, requestHash)
	if err != nil || !found || bookingID == "" {
		return CreateBookingResult{}, false, err
	}
	booking, ok, err := u.Repository.GetBooking(ctx, bookingID)
	if err != nil {
		return CreateBookingResult{}, false, err
	}
	if !ok || booking.Status.Terminal() {
		_ = u.Guards.ClearIdempotencyMarker(ctx, customerID, requestHash)
		return CreateBookingResult{}, false, nil
	}
	remaining := int(booking.ExpiresAt.Sub(u.now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	notified, err := u.Guards.NotifiedTransporters(ctx, booking.ID)
	if err != nil {
		notified = booking.NotifiedTransporters
	}
	return CreateBookingResult{
		Booking:              booking,
		MatchingTransporters: len(notified),
		TimeoutSeconds:       remaining,
		Replayed:             true,
	}, true, nil
}

// expireUnmatched finalizes a booking that matched nobody: no timers, no
// markers, an immediate terminal row plus a customer notice.
func (u CreateBookingUseCase) expireUnmatched(ctx context.Context, logger *slog.Logger, booking entities.Booking) (CreateBookingResult, error) {
	now := u.now()
	if _, err := u.Repository.UpdateStatusIfIn(ctx, booking.ID,
		[]entities.BookingStatus{entities.StatusCreated}, entities.StatusExpired, now); err != nil {
		return CreateBookingResult{}, err
	}
	booking.Status = entities.StatusExpired
	booking.StateChangedAt = now

	if err := u.Notifier.NotifyUser(ctx, booking.CustomerID, events.NoVehiclesAvailable, events.BookingStatePayload{
		BookingID:    booking.ID,
		Status:       string(entities.StatusExpired),
		TrucksNeeded: booking.TrucksNeeded,
		ChangedAt:    now,
		Message:      "no vehicles of the requested type are available right now",
	}); err != nil {
		logger.Warn("create booking no-match notify failed",
			"event", "booking_create_no_match_notify_failed",
			"module", "dispatch-core/booking-lifecycle",
			"layer", "application",
			"booking_id", booking.ID,
			"error", err.Error(),
		)
	}

	logger.Info("create booking matched no transporters",
		"event", "booking_create_no_match",
		"module", "dispatch-core/booking-lifecycle",
		"layer", "application",
		"booking_id", booking.ID,
		"customer_id", booking.CustomerID,
	)

	return CreateBookingResult{Booking: booking}, nil
}

// writeMarkers records the single-in-flight and duplicate-detection markers.
// Each write is retried once; persistent failure degrades to DB-only guards.
func (u CreateBookingUseCase) writeMarkers(ctx context.Context, logger *slog.Logger, booking entities.Booking, requestHash string) {
	idemTTL := u.horizon() + 30*time.Second
	activeTTL := u.horizon() + time.Minute

	setIdem := func() error {
		return u.Guards.SetIdempotencyMarker(ctx, booking.CustomerID, requestHash, booking.ID, idemTTL)
	}
	if err := setIdem(); err != nil {
		if err = setIdem(); err != nil {
			logger.Warn("idempotency marker write failed",
				"event", "booking_create_idem_marker_failed",
				"module", "dispatch-core/booking-lifecycle",
				"layer", "application",
				"booking_id", booking.ID,
				"error", err.Error(),
			)
		}
	}

	setActive := func() error {
		return u.Guards.SetActiveBroadcast(ctx, booking.CustomerID, booking.ID, activeTTL)
	}
	if err := setActive(); err != nil {
		if err = setActive(); err != nil {
			logger.Warn("active broadcast marker write failed",
				"event", "booking_create_active_marker_failed",
				"module", "dispatch-core/booking-lifecycle",
				"layer", "application",
				"booking_id", booking.ID,
				"error", err.Error(),
			)
		}
	}
}

func validateCreate(cmd CreateBookingCommand) error {
	if strings.TrimSpace(cmd.CustomerID) == "" {
		return domainerrors.ErrInvalidBookingInput
	}
	if strings.TrimSpace(cmd.VehicleType) == "" {
		return domainerrors.ErrInvalidBookingInput
	}
	if cmd.TrucksNeeded <= 0 {
		return domainerrors.ErrInvalidBookingInput
	}
	if cmd.Pickup.Lat == 0 && cmd.Pickup.Lng == 0 {
		return domainerrors.ErrInvalidBookingInput
	}
	if cmd.Drop.Lat == 0 && cmd.Drop.Lng == 0 {
		return domainerrors.ErrInvalidBookingInput
	}
	return nil
}

func (u CreateBookingUseCase) horizon() time.Duration {
	if u.Horizon <= 0 {
		return 2 * time.Minute
	}
	return u.Horizon
}

func (u CreateBookingUseCase) now() time.Time {
	if u.Clock != nil {
		return u.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
