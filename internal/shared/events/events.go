// Package events is the single source of truth for the persistent-connection
// contract: one enumeration of event names and one typed payload per event.
// Clients depend on the literal names; never rename them.
package events

import (
	"encoding/json"
	"time"
)

// Name is a wire-level event name.
type Name string

// Server -> client events.
const (
	Connected                Name = "connected"
	NewBroadcast             Name = "new_broadcast"
	BookingUpdated           Name = "booking_updated"
	BookingFullyFilled       Name = "booking_fully_filled"
	BookingPartiallyFilled   Name = "booking_partially_filled"
	BookingExpired           Name = "booking_expired"
	NoVehiclesAvailable      Name = "no_vehicles_available"
	BroadcastStateChanged    Name = "broadcast_state_changed"
	AcceptConfirmation       Name = "accept_confirmation"
	RequestNoLongerAvailable Name = "request_no_longer_available"
	TrucksRemainingUpdate    Name = "trucks_remaining_update"
	TruckAssigned            Name = "truck_assigned"
	ConnectionPolicy         Name = "connection_policy"
)

// Client -> server events.
const (
	Heartbeat      Name = "heartbeat"
	JoinBooking    Name = "join_booking"
	LeaveBooking   Name = "leave_booking"
	JoinOrder      Name = "join_order"
	LeaveOrder     Name = "leave_order"
	UpdateLocation Name = "update_location"
	Ping           Name = "ping"
	Pong           Name = "pong"
)

// Critical reports whether an event may never be dropped by fabric
// back-pressure. Non-critical events use drop-oldest queueing.
func (n Name) Critical() bool {
	switch n {
	case NewBroadcast, AcceptConfirmation, BookingFullyFilled, BookingExpired,
		RequestNoLongerAvailable, NoVehiclesAvailable, TruckAssigned, ConnectionPolicy:
		return true
	default:
		return false
	}
}

// Envelope is the wire frame for every fabric message, inbound and outbound.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Location is the shared lat/lng + address shape used in broadcast payloads.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
	City    string  `json:"city"`
	State   string  `json:"state"`
}

// BroadcastPayload is the canonical new_broadcast body. There is exactly one
// builder for it (the dispatcher); every code path shares it. Both nested and
// flat pickup/drop fields are kept for older clients.
type BroadcastPayload struct {
	BookingID      string   `json:"bookingId"`
	CustomerID     string   `json:"customerId"`
	CustomerName   string   `json:"customerName,omitempty"`
	VehicleType    string   `json:"vehicleType"`
	VehicleSubtype string   `json:"vehicleSubtype,omitempty"`
	Pickup         Location `json:"pickup"`
	Drop           Location `json:"drop"`

	PickupLat     float64 `json:"pickupLat"`
	PickupLng     float64 `json:"pickupLng"`
	PickupAddress string  `json:"pickupAddress"`
	DropLat       float64 `json:"dropLat"`
	DropLng       float64 `json:"dropLng"`
	DropAddress   string  `json:"dropAddress"`

	Goods         string  `json:"goods,omitempty"`
	WeightTonnes  float64 `json:"weightTonnes,omitempty"`
	PricePerTruck float64 `json:"pricePerTruck"`
	TotalAmount   float64 `json:"totalAmount"`

	TrucksNeeded    int `json:"trucksNeeded"`
	TrucksFilled    int `json:"trucksFilled"`
	TrucksRemaining int `json:"trucksRemaining"`

	TimeoutSeconds  int  `json:"timeoutSeconds"`
	RadiusStepIndex int  `json:"radiusStepIndex"`
	IsRebroadcast   bool `json:"isRebroadcast"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ConnectedPayload greets a freshly established session.
type ConnectedPayload struct {
	SocketID        string `json:"socketId"`
	InstanceID      string `json:"instanceId"`
	UserID          string `json:"userId"`
	Role            string `json:"role"`
	ResumeWindowSec int    `json:"resumeWindowSec"`
}

// ConnectionPolicyPayload tells the oldest connection it is being replaced.
type ConnectionPolicyPayload struct {
	Reason         string `json:"reason"`
	MaxConnections int    `json:"maxConnections"`
}

// HeartbeatPayload is sent by transporters and drivers.
type HeartbeatPayload struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Battery float64 `json:"battery,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

// RoomPayload names a booking/order room to join or leave.
type RoomPayload struct {
	BookingID string `json:"bookingId,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
}

// LocationUpdatePayload is a driver position push into a trip room.
type LocationUpdatePayload struct {
	TripID string  `json:"tripId"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Speed  float64 `json:"speed,omitempty"`
}

// BookingStatePayload reports a lifecycle transition to the customer.
type BookingStatePayload struct {
	BookingID    string    `json:"bookingId"`
	Status       string    `json:"status"`
	TrucksNeeded int       `json:"trucksNeeded"`
	TrucksFilled int       `json:"trucksFilled"`
	ChangedAt    time.Time `json:"changedAt"`
	Message      string    `json:"message,omitempty"`
}

// TrucksRemainingPayload updates transporters still in the running.
type TrucksRemainingPayload struct {
	BookingID       string `json:"bookingId"`
	TrucksRemaining int    `json:"trucksRemaining"`
}

// AcceptConfirmationPayload confirms a slot to the winning transporter.
type AcceptConfirmationPayload struct {
	BookingID    string    `json:"bookingId"`
	AssignmentID string    `json:"assignmentId"`
	VehicleID    string    `json:"vehicleId"`
	AcceptedAt   time.Time `json:"acceptedAt"`
}

// TruckAssignedPayload tells the customer one slot was taken.
type TruckAssignedPayload struct {
	BookingID     string `json:"bookingId"`
	AssignmentID  string `json:"assignmentId"`
	TransporterID string `json:"transporterId"`
	TrucksFilled  int    `json:"trucksFilled"`
	TrucksNeeded  int    `json:"trucksNeeded"`
}

// Marshal wraps a payload into an Envelope, panicking never: encoding errors
// return a zero envelope and false.
func Marshal(event Name, payload any) (Envelope, bool) {
	if payload == nil {
		return Envelope{Event: event}, true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, false
	}
	return Envelope{Event: event, Data: data}, true
}

// Room name helpers. Any instance may emit into any room.
func RoomUser(userID string) string    { return "user:" + userID }
func RoomRole(role string) string      { return "role:" + role }
func RoomBooking(id string) string     { return "booking:" + id }
func RoomOrder(id string) string       { return "order:" + id }
func RoomTrip(id string) string        { return "trip:" + id }
