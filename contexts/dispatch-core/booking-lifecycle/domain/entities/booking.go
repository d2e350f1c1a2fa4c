package entities

import (
	"strings"
	"time"
)

// BookingStatus is the finite booking state set.
type BookingStatus string

const (
	StatusCreated         BookingStatus = "created"
	StatusBroadcasting    BookingStatus = "broadcasting"
	StatusActive          BookingStatus = "active"
	StatusPartiallyFilled BookingStatus = "partially_filled"
	StatusFullyFilled     BookingStatus = "fully_filled"
	StatusExpired         BookingStatus = "expired"
	StatusCancelled       BookingStatus = "cancelled"
)

// OpenStatuses are the non-terminal states a broadcast can still progress
// from.
func OpenStatuses() []BookingStatus {
	return []BookingStatus{StatusCreated, StatusBroadcasting, StatusActive, StatusPartiallyFilled}
}

// AcceptableStatuses are the states in which a transporter may take a slot.
func AcceptableStatuses() []BookingStatus {
	return []BookingStatus{StatusBroadcasting, StatusActive, StatusPartiallyFilled}
}

// RebroadcastStatuses are the states shown to a transporter coming online. A
// booking still mid-launch in broadcasting is excluded; its own fan-out is
// already underway.
func RebroadcastStatuses() []BookingStatus {
	return []BookingStatus{StatusActive, StatusPartiallyFilled}
}

// Terminal reports whether no further transitions are permitted. Re-entering
// a terminal state is a no-op and idempotent.
func (s BookingStatus) Terminal() bool {
	switch s {
	case StatusFullyFilled, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a customer cancel may still apply.
func (s BookingStatus) Cancellable() bool {
	switch s {
	case StatusCreated, StatusBroadcasting, StatusActive, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// Location is one end of the haul.
type Location struct {
	Lat     float64
	Lng     float64
	Address string
	City    string
	State   string
}

// Booking is one broadcast session. Invariant: 0 <= TrucksFilled <=
// TrucksNeeded, monotone except through cancellation; every status change
// pairs with a StateChangedAt write.
type Booking struct {
	ID            string
	CustomerID    string
	CustomerName  string
	CustomerPhone string

	Pickup Location
	Drop   Location

	VehicleType    string
	VehicleSubtype string

	TrucksNeeded int
	TrucksFilled int

	PricePerTruck float64
	TotalAmount   float64
	DistanceKM    float64
	Goods         string
	WeightTonnes  float64

	ScheduledAt *time.Time
	ExpiresAt   time.Time

	Status      BookingStatus
	Fingerprint string

	// NotifiedTransporters is the best-effort durable mirror of the
	// shared-store notified set.
	NotifiedTransporters []string

	CreatedAt      time.Time
	StateChangedAt time.Time
}

// TruckTypeKey returns the normalized presence-index key for this booking's
// vehicle type and subtype.
func (b Booking) TruckTypeKey() string {
	return TruckTypeKey(b.VehicleType, b.VehicleSubtype)
}

// TrucksRemaining is the open slot count.
func (b Booking) TrucksRemaining() int {
	remaining := b.TrucksNeeded - b.TrucksFilled
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TruckTypeKey normalizes a vehicle type + optional subtype pair into the
// identifier used by geo index keys, e.g. ("Open", "17ft") -> "open_17ft".
func TruckTypeKey(vehicleType, vehicleSubtype string) string {
	normalize := func(raw string) string {
		raw = strings.ToLower(strings.TrimSpace(raw))
		return strings.ReplaceAll(raw, " ", "_")
	}
	key := normalize(vehicleType)
	if subtype := normalize(vehicleSubtype); subtype != "" {
		key += "_" + subtype
	}
	return key
}
