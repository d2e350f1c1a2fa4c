// Package ports declares the stable boundaries of the booking lifecycle.
// Application code depends on these interfaces only; adapters implement them.
package ports

import (
	"context"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	"haulmatch/internal/shared/events"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque unique identifiers.
type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// BookingRepository is the durable system of record for bookings,
// assignments, and fleet rows. All status transitions are conditional
// updates; callers decide from the affected-row count, never from a prior
// read.
type BookingRepository interface {
	// CreateBooking inserts the row inside a serializable transaction that
	// re-checks the single-in-flight rule. Returns ErrOrderActiveExists when
	// the customer already has an open booking.
	CreateBooking(ctx context.Context, booking entities.Booking) error

	GetBooking(ctx context.Context, bookingID string) (entities.Booking, bool, error)

	FindActiveBookingByCustomer(ctx context.Context, customerID string) (entities.Booking, bool, error)

	// UpdateStatusIfIn applies status+state_changed_at when the current status
	// is in allowed, and reports how many rows changed (0 or 1).
	UpdateStatusIfIn(ctx context.Context, bookingID string, allowed []entities.BookingStatus, next entities.BookingStatus, at time.Time) (int64, error)

	// IncrementTrucksFilled atomically bumps trucks_filled when the booking is
	// still open and has a free slot. applied is false when the guard failed.
	// The returned booking is the post-update row.
	IncrementTrucksFilled(ctx context.Context, bookingID string, at time.Time) (booking entities.Booking, applied bool, err error)

	// AppendNotifiedTransporters merges IDs into the durable audit column.
	// Best effort; failures must not abort a broadcast.
	AppendNotifiedTransporters(ctx context.Context, bookingID string, transporterIDs []string) error

	ListOpenBookingsByTruckTypes(ctx context.Context, truckTypeKeys []string, now time.Time) ([]entities.Booking, error)

	ListExpiredOpenBookings(ctx context.Context, now time.Time) ([]entities.Booking, error)

	CreateAssignment(ctx context.Context, assignment entities.Assignment) error

	AssignmentsForBooking(ctx context.Context, bookingID string) ([]entities.Assignment, error)

	// CancelPendingAssignments flips pending assignments to cancelled,
	// releases their vehicles, and returns the assignments it touched.
	CancelPendingAssignments(ctx context.Context, bookingID string, at time.Time) ([]entities.Assignment, error)

	// FindAvailableVehicle picks a free vehicle of the requested type owned by
	// the transporter.
	FindAvailableVehicle(ctx context.Context, transporterID, vehicleType, vehicleSubtype string) (entities.VehicleRef, bool, error)

	MarkVehicleAssigned(ctx context.Context, vehicleID, bookingID string) error

	// TransporterTruckTypes lists the normalized truck-type keys of the
	// transporter's fleet.
	TransporterTruckTypes(ctx context.Context, transporterID string) ([]string, error)

	// TransportersByVehicleType lists transporter IDs owning at least one
	// vehicle of the type, for the geo-index fallback path.
	TransportersByVehicleType(ctx context.Context, vehicleType, vehicleSubtype string) ([]string, error)
}

// GuardStore holds the fast-path coordination state in the shared store:
// single-in-flight markers, idempotency markers, the per-booking notified
// set, and the per-customer create lock.
type GuardStore interface {
	AcquireCreateLock(ctx context.Context, customerID string) (bool, error)
	ReleaseCreateLock(ctx context.Context, customerID string) error

	SetActiveBroadcast(ctx context.Context, customerID, bookingID string, ttl time.Duration) error
	ActiveBroadcast(ctx context.Context, customerID string) (string, bool, error)
	ClearActiveBroadcast(ctx context.Context, customerID string) error

	SetIdempotencyMarker(ctx context.Context, customerID, fingerprint, bookingID string, ttl time.Duration) error
	IdempotencyMarker(ctx context.Context, customerID, fingerprint string) (string, bool, error)
	ClearIdempotencyMarker(ctx context.Context, customerID, fingerprint string) error

	// AddNotified merges transporter IDs into the booking's notified set and
	// returns only the IDs that were not already present.
	AddNotified(ctx context.Context, bookingID string, transporterIDs []string, ttl time.Duration) ([]string, error)
	NotifiedTransporters(ctx context.Context, bookingID string) ([]string, error)
	ClearNotified(ctx context.Context, bookingID string) error
}

// InitialMatches is the dispatcher's answer to "who can see this booking
// right now".
type InitialMatches struct {
	TransporterIDs []string
	// SkipExpansion is set when matches came from the durable fallback and
	// progressive radius widening would be meaningless.
	SkipExpansion bool
}

// Broadcaster is the lifecycle's view of the broadcast dispatcher.
type Broadcaster interface {
	ResolveInitialMatches(ctx context.Context, booking entities.Booking) (InitialMatches, error)
	// Launch fans the broadcast out to the matched transporters, records the
	// notified set, and schedules the radius and expiry timers. It returns
	// the number of transporters actually notified.
	Launch(ctx context.Context, booking entities.Booking, matches InitialMatches) (int, error)
	CancelTimers(ctx context.Context, bookingID string) error
}

// Notifier pushes events to connected users through the delivery fabric.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, event events.Name, payload any) error
	NotifyUsers(ctx context.Context, userIDs []string, event events.Name, payload any) error
}
