package entities

import "time"

// AssignmentStatus tracks one accepted truck slot. The dispatcher only
// reads/writes pending and cancelled; later transitions belong to trip
// tracking.
type AssignmentStatus string

const (
	AssignmentPending        AssignmentStatus = "pending"
	AssignmentDriverAccepted AssignmentStatus = "driver_accepted"
	AssignmentEnRoutePickup  AssignmentStatus = "en_route_pickup"
	AssignmentAtPickup       AssignmentStatus = "at_pickup"
	AssignmentInTransit      AssignmentStatus = "in_transit"
	AssignmentCompleted      AssignmentStatus = "completed"
	AssignmentCancelled      AssignmentStatus = "cancelled"
)

// Assignment is the (booking, transporter, vehicle, driver) quadruple
// produced when a transporter accepts a slot.
type Assignment struct {
	ID            string
	BookingID     string
	TransporterID string
	VehicleID     string
	DriverID      string
	Status        AssignmentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VehicleRef identifies a matching free vehicle during acceptance.
type VehicleRef struct {
	ID             string
	TransporterID  string
	VehicleType    string
	VehicleSubtype string
}
