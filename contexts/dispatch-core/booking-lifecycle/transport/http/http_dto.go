// Package httptransport holds the module-private HTTP contracts of the
// booking lifecycle.
package httptransport

import "time"

// LocationDTO is one end of the haul on the wire.
type LocationDTO struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
	City    string  `json:"city,omitempty"`
	State   string  `json:"state,omitempty"`
}

// CreateBookingRequest launches a broadcast.
type CreateBookingRequest struct {
	Pickup         LocationDTO `json:"pickup"`
	Drop           LocationDTO `json:"drop"`
	VehicleType    string      `json:"vehicle_type"`
	VehicleSubtype string      `json:"vehicle_subtype,omitempty"`
	TrucksNeeded   int         `json:"trucks_needed"`
	PricePerTruck  float64     `json:"price_per_truck"`
	DistanceKM     float64     `json:"distance_km,omitempty"`
	Goods          string      `json:"goods,omitempty"`
	WeightTonnes   float64     `json:"weight_tonnes,omitempty"`
	CustomerName   string      `json:"customer_name,omitempty"`
	CustomerPhone  string      `json:"customer_phone,omitempty"`
	ScheduledAt    *time.Time  `json:"scheduled_at,omitempty"`
}

// BookingResponse is the booking as returned by every lifecycle endpoint.
type BookingResponse struct {
	BookingID      string      `json:"booking_id"`
	CustomerID     string      `json:"customer_id"`
	Status         string      `json:"status"`
	Pickup         LocationDTO `json:"pickup"`
	Drop           LocationDTO `json:"drop"`
	VehicleType    string      `json:"vehicle_type"`
	VehicleSubtype string      `json:"vehicle_subtype,omitempty"`
	TrucksNeeded   int         `json:"trucks_needed"`
	TrucksFilled   int         `json:"trucks_filled"`
	PricePerTruck  float64     `json:"price_per_truck"`
	TotalAmount    float64     `json:"total_amount"`
	ExpiresAt      time.Time   `json:"expires_at"`
	CreatedAt      time.Time   `json:"created_at"`
}

// CreateBookingResponse reports the launched (or replayed) broadcast.
type CreateBookingResponse struct {
	Booking              BookingResponse `json:"booking"`
	MatchingTransporters int             `json:"matching_transporters"`
	TimeoutSeconds       int             `json:"timeout_seconds"`
	Replayed             bool            `json:"replayed,omitempty"`
}

// CancelBookingResponse confirms a (possibly repeated) cancellation.
type CancelBookingResponse struct {
	Booking          BookingResponse `json:"booking"`
	AlreadyCancelled bool            `json:"already_cancelled,omitempty"`
}

// AcceptBookingRequest claims one truck slot.
type AcceptBookingRequest struct {
	DriverID string `json:"driver_id,omitempty"`
}

// AcceptBookingResponse confirms a claimed slot.
type AcceptBookingResponse struct {
	AssignmentID string          `json:"assignment_id"`
	VehicleID    string          `json:"vehicle_id"`
	Booking      BookingResponse `json:"booking"`
	FullyFilled  bool            `json:"fully_filled"`
}

// ActiveBookingsResponse is the reconnect catch-up page for transporters.
type ActiveBookingsResponse struct {
	Bookings []BookingResponse `json:"bookings"`
}

// ErrorResponse is the uniform error body for lifecycle endpoints.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
