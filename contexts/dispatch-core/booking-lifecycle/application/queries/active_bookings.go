package queries

import (
	"context"
	"log/slog"
	"strings"
	"time"

	application "haulmatch/contexts/dispatch-core/booking-lifecycle/application"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
)

// ActiveBookingsQuery lists the open broadcasts a transporter's fleet can
// serve, for catch-up after reconnect.
type ActiveBookingsQuery struct {
	Repository ports.BookingRepository
	Clock      ports.Clock
	Logger     *slog.Logger
}

// ActiveBookingsResult is the catch-up page.
type ActiveBookingsResult struct {
	Bookings []entities.Booking `json:"bookings"`
}

func (q ActiveBookingsQuery) Execute(ctx context.Context, transporterID string) (ActiveBookingsResult, error) {
	logger := application.ResolveLogger(q.Logger)

	if strings.TrimSpace(transporterID) == "" {
		return ActiveBookingsResult{}, domainerrors.ErrInvalidBookingInput
	}

	truckTypes, err := q.Repository.TransporterTruckTypes(ctx, transporterID)
	if err != nil {
		return ActiveBookingsResult{}, err
	}
	if len(truckTypes) == 0 {
		return ActiveBookingsResult{Bookings: []entities.Booking{}}, nil
	}

	now := q.now()
	bookings, err := q.Repository.ListOpenBookingsByTruckTypes(ctx, truckTypes, now)
	if err != nil {
		return ActiveBookingsResult{}, err
	}

	open := make([]entities.Booking, 0, len(bookings))
	for _, b := range bookings {
		if b.ExpiresAt.After(now) && !b.Status.Terminal() {
			open = append(open, b)
		}
	}

	logger.Debug("active bookings listed",
		"event", "booking_active_listed",
		"module", "dispatch-core/booking-lifecycle",
		"layer", "application",
		"transporter_id", transporterID,
		"count", len(open),
	)

	return ActiveBookingsResult{Bookings: open}, nil
}

func (q ActiveBookingsQuery) now() time.Time {
	if q.Clock != nil {
		return q.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
