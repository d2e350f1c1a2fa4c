package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	lifecycleports "haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	"haulmatch/contexts/dispatch-core/broadcast-dispatcher/ports"
	"haulmatch/internal/platform/timers"
	"haulmatch/internal/shared/events"
)

// Timer key prefixes registered with the timer engine.
const (
	RadiusTimerPrefix  = "timer:radius:"
	BookingTimerPrefix = "timer:booking:"
)

// notifiedGrace keeps the notified set alive a bit past the booking horizon
// so late timers and rebroadcasts still dedupe correctly.
const notifiedGrace = 10 * time.Minute

// radiusTimerPayload rides inside the radius timer. Step is the next
// expansion index to execute.
type radiusTimerPayload struct {
	BookingID string `json:"booking_id"`
	Step      int    `json:"step"`
}

type bookingTimerPayload struct {
	BookingID string `json:"booking_id"`
}

// Service owns matching and fan-out. It satisfies the lifecycle's Broadcaster
// port.
type Service struct {
	Repository   ports.Repository
	Presence     ports.PresenceIndex
	Timers       ports.TimerScheduler
	State        ports.FanOutState
	Notifier     ports.Notifier
	Clock        ports.Clock
	Steps        []ports.RadiusStep
	PerStepLimit int
	Logger       *slog.Logger
}

func (s *Service) steps() []ports.RadiusStep {
	if len(s.Steps) == 0 {
		return []ports.RadiusStep{
			{KM: 10, Timeout: 15 * time.Second},
			{KM: 25, Timeout: 15 * time.Second},
			{KM: 50, Timeout: 15 * time.Second},
			{KM: 75, Timeout: 15 * time.Second},
		}
	}
	return s.Steps
}

func (s *Service) perStepLimit() int {
	if s.PerStepLimit <= 0 {
		return 20
	}
	return s.PerStepLimit
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// ResolveInitialMatches finds who should see the booking first: online
// transporters of the right truck type inside the innermost radius, or, when
// the geo index is cold, every online transporter owning the type regardless
// of distance. The fallback disables radius expansion since distance ordering
// is meaningless there.
func (s *Service) ResolveInitialMatches(ctx context.Context, booking entities.Booking) (lifecycleports.InitialMatches, error) {
	logger := ResolveLogger(s.Logger)

	ids, err := s.Presence.Nearest(ctx, booking.TruckTypeKey(),
		booking.Pickup.Lat, booking.Pickup.Lng, s.steps()[0].KM, s.perStepLimit())
	if err != nil {
		return lifecycleports.InitialMatches{}, err
	}
	if len(ids) > 0 {
		return lifecycleports.InitialMatches{TransporterIDs: ids}, nil
	}

	// Geo index miss. Fall back to the durable fleet roster filtered to
	// whoever is online right now.
	candidates, err := s.Repository.TransportersByVehicleType(ctx, booking.VehicleType, booking.VehicleSubtype)
	if err != nil {
		return lifecycleports.InitialMatches{}, err
	}
	online, err := s.Presence.OnlineFilter(ctx, candidates)
	if err != nil {
		return lifecycleports.InitialMatches{}, err
	}
	if len(online) > s.perStepLimit() {
		online = online[:s.perStepLimit()]
	}
	if len(online) > 0 {
		logger.Info("initial match used durable fallback",
			"event", "dispatch_fallback_match",
			"module", "dispatch-core/broadcast-dispatcher",
			"layer", "application",
			"booking_id", booking.ID,
			"candidates", len(candidates),
			"online", len(online),
		)
	}
	return lifecycleports.InitialMatches{TransporterIDs: online, SkipExpansion: true}, nil
}

// Launch performs the initial fan-out and arms the booking timeout plus, when
// expansion applies, the first radius timer.
func (s *Service) Launch(ctx context.Context, booking entities.Booking, matches lifecycleports.InitialMatches) (int, error) {
	logger := ResolveLogger(s.Logger)
	now := s.now()

	notified, err := s.fanOut(ctx, booking, matches.TransporterIDs, 0, false)
	if err != nil {
		return notified, err
	}

	expiryBody, err := json.Marshal(bookingTimerPayload{BookingID: booking.ID})
	if err != nil {
		return notified, err
	}
	if err := s.Timers.Schedule(ctx, BookingTimerPrefix+booking.ID, expiryBody, booking.ExpiresAt); err != nil {
		return notified, err
	}

	if !matches.SkipExpansion && len(s.steps()) > 1 {
		if err := s.scheduleRadiusStep(ctx, booking, 1, now.Add(s.steps()[0].Timeout)); err != nil {
			// The expiry timer is armed; losing expansion narrows reach but
			// does not strand the booking.
			logger.Error("radius timer arm failed",
				"event", "dispatch_radius_arm_failed",
				"module", "dispatch-core/broadcast-dispatcher",
				"layer", "application",
				"booking_id", booking.ID,
				"error", err.Error(),
			)
		}
	}

	logger.Info("broadcast launched",
		"event", "dispatch_launched",
		"module", "dispatch-core/broadcast-dispatcher",
		"layer", "application",
		"booking_id", booking.ID,
		"notified", notified,
		"skip_expansion", matches.SkipExpansion,
	)
	return notified, nil
}

// HandleRadiusTimer runs one expansion step. The step after the last radius
// is the database-wide sweep: every online owner of the truck type is
// considered regardless of distance before expansion ends. Idempotent: a
// replayed timer finds everyone already in the notified set and sends
// nothing.
func (s *Service) HandleRadiusTimer(ctx context.Context, timer timers.Timer) error {
	logger := ResolveLogger(s.Logger)

	var payload radiusTimerPayload
	if len(timer.Payload) > 0 {
		if err := json.Unmarshal(timer.Payload, &payload); err != nil {
			return err
		}
	}
	bookingID := payload.BookingID
	if bookingID == "" {
		bookingID = strings.TrimPrefix(timer.Key, RadiusTimerPrefix)
	}

	booking, ok, err := s.Repository.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !ok || booking.Status.Terminal() || booking.TrucksRemaining() == 0 {
		return s.State.ClearRadiusStep(ctx, bookingID)
	}

	now := s.now()
	if !booking.ExpiresAt.After(now) {
		// Horizon already elapsed; the booking timer owns the ending.
		return s.State.ClearRadiusStep(ctx, bookingID)
	}

	step := payload.Step
	if step <= 0 {
		if cursor, found, err := s.State.RadiusStep(ctx, bookingID); err == nil && found {
			step = cursor
		}
	}
	allSteps := s.steps()
	if step < 1 || step > len(allSteps) {
		return s.State.ClearRadiusStep(ctx, bookingID)
	}
	if step == len(allSteps) {
		return s.databaseWideSweep(ctx, booking)
	}

	candidates, err := s.Presence.Nearest(ctx, booking.TruckTypeKey(),
		booking.Pickup.Lat, booking.Pickup.Lng, allSteps[step].KM, s.perStepLimit()*3)
	if err != nil {
		return err
	}
	notified, err := s.fanOut(ctx, booking, candidates, step, false)
	if err != nil {
		return err
	}

	logger.Info("radius expanded",
		"event", "dispatch_radius_expanded",
		"module", "dispatch-core/broadcast-dispatcher",
		"layer", "application",
		"booking_id", booking.ID,
		"step", step,
		"radius_km", allSteps[step].KM,
		"notified", notified,
	)

	// The step after the last radius is the database-wide sweep.
	next := step + 1
	fireAt := now.Add(allSteps[step].Timeout)
	if !fireAt.Before(booking.ExpiresAt) {
		return s.State.ClearRadiusStep(ctx, bookingID)
	}
	return s.scheduleRadiusStep(ctx, booking, next, fireAt)
}

// databaseWideSweep is the final expansion: all online transporters owning
// the truck type, wherever they are, deduped against the notified set like
// every other step. Radius state ends here.
func (s *Service) databaseWideSweep(ctx context.Context, booking entities.Booking) error {
	logger := ResolveLogger(s.Logger)

	owners, err := s.Repository.TransportersByVehicleType(ctx, booking.VehicleType, booking.VehicleSubtype)
	if err != nil {
		return err
	}
	online, err := s.Presence.OnlineFilter(ctx, owners)
	if err != nil {
		return err
	}
	notified, err := s.fanOut(ctx, booking, online, len(s.steps()), false)
	if err != nil {
		return err
	}

	logger.Info("database-wide sweep completed",
		"event", "dispatch_db_sweep_completed",
		"module", "dispatch-core/broadcast-dispatcher",
		"layer", "application",
		"booking_id", booking.ID,
		"online", len(online),
		"notified", notified,
	)
	return s.State.ClearRadiusStep(ctx, booking.ID)
}

// CancelTimers removes both timers and the expansion cursor. Safe to call for
// bookings that never had them.
func (s *Service) CancelTimers(ctx context.Context, bookingID string) error {
	var firstErr error
	if err := s.Timers.Cancel(ctx, RadiusTimerPrefix+bookingID); err != nil {
		firstErr = err
	}
	if err := s.Timers.Cancel(ctx, BookingTimerPrefix+bookingID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.State.ClearRadiusStep(ctx, bookingID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Service) scheduleRadiusStep(ctx context.Context, booking entities.Booking, step int, fireAt time.Time) error {
	body, err := json.Marshal(radiusTimerPayload{BookingID: booking.ID, Step: step})
	if err != nil {
		return err
	}
	ttl := booking.ExpiresAt.Sub(s.now()) + notifiedGrace
	if err := s.State.SetRadiusStep(ctx, booking.ID, step, ttl); err != nil {
		return err
	}
	return s.Timers.Schedule(ctx, RadiusTimerPrefix+booking.ID, body, fireAt)
}

// fanOut notifies candidates that have never seen this booking, up to the
// per-step cap. Membership insert and the decision to send are one atomic
// step per transporter, so no transporter is ever notified twice even when
// steps overlap or instances race.
func (s *Service) fanOut(ctx context.Context, booking entities.Booking, candidates []string, step int, rebroadcast bool) (int, error) {
	logger := ResolveLogger(s.Logger)
	now := s.now()
	ttl := booking.ExpiresAt.Sub(now) + notifiedGrace
	payload := s.buildPayload(booking, step, rebroadcast, now)

	var sent int
	appended := make([]string, 0, len(candidates))
	for _, transporterID := range candidates {
		if sent >= s.perStepLimit() {
			break
		}
		// Set appends are non-critical: one retry, then the candidate is
		// skipped so the rest of the fan-out proceeds.
		newly, err := s.State.AddNotified(ctx, booking.ID, []string{transporterID}, ttl)
		if err != nil {
			newly, err = s.State.AddNotified(ctx, booking.ID, []string{transporterID}, ttl)
		}
		if err != nil {
			logger.Warn("notified set append failed",
				"event", "dispatch_notified_append_failed",
				"module", "dispatch-core/broadcast-dispatcher",
				"layer", "application",
				"booking_id", booking.ID,
				"transporter_id", transporterID,
				"error", err.Error(),
			)
			continue
		}
		if len(newly) == 0 {
			continue
		}
		if err := s.Notifier.NotifyUser(ctx, transporterID, events.NewBroadcast, payload); err != nil {
			logger.Warn("broadcast delivery failed",
				"event", "dispatch_notify_failed",
				"module", "dispatch-core/broadcast-dispatcher",
				"layer", "application",
				"booking_id", booking.ID,
				"transporter_id", transporterID,
				"error", err.Error(),
			)
		}
		appended = append(appended, transporterID)
		sent++
	}

	if len(appended) > 0 {
		// Durable audit mirror; the shared-store set stays authoritative.
		if err := s.Repository.AppendNotifiedTransporters(ctx, booking.ID, appended); err != nil {
			logger.Warn("notified audit append failed",
				"event", "dispatch_audit_append_failed",
				"module", "dispatch-core/broadcast-dispatcher",
				"layer", "application",
				"booking_id", booking.ID,
				"error", err.Error(),
			)
		}
	}
	return sent, nil
}

// buildPayload is the single constructor for new_broadcast bodies. Every
// fan-out path (initial, expansion, rebroadcast) goes through it.
func (s *Service) buildPayload(booking entities.Booking, step int, rebroadcast bool, now time.Time) events.BroadcastPayload {
	timeoutSeconds := int(booking.ExpiresAt.Sub(now).Seconds())
	if timeoutSeconds < 0 {
		timeoutSeconds = 0
	}
	return events.BroadcastPayload{
		BookingID:      booking.ID,
		CustomerID:     booking.CustomerID,
		CustomerName:   booking.CustomerName,
		VehicleType:    booking.VehicleType,
		VehicleSubtype: booking.VehicleSubtype,
		Pickup: events.Location{
			Lat: booking.Pickup.Lat, Lng: booking.Pickup.Lng,
			Address: booking.Pickup.Address, City: booking.Pickup.City, State: booking.Pickup.State,
		},
		Drop: events.Location{
			Lat: booking.Drop.Lat, Lng: booking.Drop.Lng,
			Address: booking.Drop.Address, City: booking.Drop.City, State: booking.Drop.State,
		},
		PickupLat:       booking.Pickup.Lat,
		PickupLng:       booking.Pickup.Lng,
		PickupAddress:   booking.Pickup.Address,
		DropLat:         booking.Drop.Lat,
		DropLng:         booking.Drop.Lng,
		DropAddress:     booking.Drop.Address,
		Goods:           booking.Goods,
		WeightTonnes:    booking.WeightTonnes,
		PricePerTruck:   booking.PricePerTruck,
		TotalAmount:     booking.TotalAmount,
		TrucksNeeded:    booking.TrucksNeeded,
		TrucksFilled:    booking.TrucksFilled,
		TrucksRemaining: booking.TrucksRemaining(),
		TimeoutSeconds:  timeoutSeconds,
		RadiusStepIndex: step,
		IsRebroadcast:   rebroadcast,
		ScheduledAt:     booking.ScheduledAt,
		CreatedAt:       booking.CreatedAt,
	}
}
