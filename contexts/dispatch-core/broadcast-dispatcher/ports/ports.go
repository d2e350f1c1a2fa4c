// Package ports declares the dispatcher's boundaries: presence lookups,
// durable reads, timer scheduling, shared fan-out state, and delivery.
package ports

import (
	"context"
	"encoding/json"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	"haulmatch/internal/shared/events"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RadiusStep is one expansion: search within KM, then wait Timeout before
// widening.
type RadiusStep struct {
	KM      float64
	Timeout time.Duration
}

// PresenceIndex is the dispatcher's view of the live transporter index.
type PresenceIndex interface {
	// Nearest returns online transporter IDs within radiusKM of the point,
	// nearest first.
	Nearest(ctx context.Context, truckTypeKey string, lat, lng, radiusKM float64, limit int) ([]string, error)
	// OnlineFilter keeps only currently-online IDs, preserving order.
	OnlineFilter(ctx context.Context, ids []string) ([]string, error)
}

// TimerScheduler schedules and cancels cluster-wide named timers.
type TimerScheduler interface {
	Schedule(ctx context.Context, key string, payload json.RawMessage, expiresAt time.Time) error
	Cancel(ctx context.Context, key string) error
}

// Repository is the durable subset the dispatcher reads and audits through.
type Repository interface {
	GetBooking(ctx context.Context, bookingID string) (entities.Booking, bool, error)
	AppendNotifiedTransporters(ctx context.Context, bookingID string, transporterIDs []string) error
	TransportersByVehicleType(ctx context.Context, vehicleType, vehicleSubtype string) ([]string, error)
	TransporterTruckTypes(ctx context.Context, transporterID string) ([]string, error)
	ListOpenBookingsByTruckTypes(ctx context.Context, truckTypeKeys []string, now time.Time) ([]entities.Booking, error)
}

// FanOutState is the shared-store coordination surface for fan-outs: the
// per-booking notified set and the radius step cursor.
type FanOutState interface {
	// AddNotified merges IDs into the booking's notified set and returns only
	// the IDs that were new. The set membership check and insert are atomic
	// per member across instances.
	AddNotified(ctx context.Context, bookingID string, transporterIDs []string, ttl time.Duration) ([]string, error)
	NotifiedTransporters(ctx context.Context, bookingID string) ([]string, error)
	ClearNotified(ctx context.Context, bookingID string) error

	SetRadiusStep(ctx context.Context, bookingID string, step int, ttl time.Duration) error
	RadiusStep(ctx context.Context, bookingID string) (int, bool, error)
	ClearRadiusStep(ctx context.Context, bookingID string) error
}

// Notifier pushes events to connected users through the delivery fabric.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, event events.Name, payload any) error
	NotifyUsers(ctx context.Context, userIDs []string, event events.Name, payload any) error
}
