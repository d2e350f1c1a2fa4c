package application

import (
	"context"
	"time"

	"haulmatch/internal/shared/events"
)

// Rebroadcast limits: a transporter coming online is shown at most this many
// open bookings, and nothing older than the age cutoff.
const (
	rebroadcastMaxBookings = 20
	rebroadcastMaxAge      = 30 * time.Minute
)

// OnTransporterOnline catches a freshly connected transporter up on open
// bookings their fleet can serve. Dedupe rides on the same notified set as
// the live fan-out, so a transporter who saw the booking before going offline
// is not shown it again.
func (s *Service) OnTransporterOnline(ctx context.Context, transporterID string) error {
	logger := ResolveLogger(s.Logger)

	truckTypes, err := s.Repository.TransporterTruckTypes(ctx, transporterID)
	if err != nil {
		return err
	}
	if len(truckTypes) == 0 {
		return nil
	}

	now := s.now()
	bookings, err := s.Repository.ListOpenBookingsByTruckTypes(ctx, truckTypes, now)
	if err != nil {
		return err
	}

	var shown int
	for _, booking := range bookings {
		if shown >= rebroadcastMaxBookings {
			break
		}
		if booking.Status.Terminal() || booking.TrucksRemaining() == 0 {
			continue
		}
		if !booking.ExpiresAt.After(now) || now.Sub(booking.CreatedAt) > rebroadcastMaxAge {
			continue
		}

		ttl := booking.ExpiresAt.Sub(now) + notifiedGrace
		// Non-critical set append: retry once, then move on to the next
		// booking in the catch-up list.
		newly, err := s.State.AddNotified(ctx, booking.ID, []string{transporterID}, ttl)
		if err != nil {
			newly, err = s.State.AddNotified(ctx, booking.ID, []string{transporterID}, ttl)
		}
		if err != nil {
			logger.Warn("rebroadcast notified append failed",
				"event", "dispatch_rebroadcast_append_failed",
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

		step := 0
		if cursor, found, err := s.State.RadiusStep(ctx, booking.ID); err == nil && found {
			step = cursor
		}
		payload := s.buildPayload(booking, step, true, now)
		if err := s.Notifier.NotifyUser(ctx, transporterID, events.NewBroadcast, payload); err != nil {
			logger.Warn("rebroadcast delivery failed",
				"event", "dispatch_rebroadcast_notify_failed",
				"module", "dispatch-core/broadcast-dispatcher",
				"layer", "application",
				"booking_id", booking.ID,
				"transporter_id", transporterID,
				"error", err.Error(),
			)
		}
		if err := s.Repository.AppendNotifiedTransporters(ctx, booking.ID, newly); err != nil {
			logger.Warn("rebroadcast audit append failed",
				"event", "dispatch_rebroadcast_audit_failed",
				"module", "dispatch-core/broadcast-dispatcher",
				"layer", "application",
				"booking_id", booking.ID,
				"error", err.Error(),
			)
		}
		shown++
	}

	if shown > 0 {
		logger.Info("rebroadcast on reconnect",
			"event", "dispatch_rebroadcast_completed",
			"module", "dispatch-core/broadcast-dispatcher",
			"layer", "application",
			"transporter_id", transporterID,
			"bookings", shown,
		)
	}
	return nil
}
