// Package memory is the in-process BookingRepository used by tests and the
// single-node development profile. Semantics mirror the postgres adapter,
// including conditional-update row counts.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
	presenceports "haulmatch/contexts/fleet-telemetry/presence-service/ports"
)

// Transporter is the durable fleet-side profile used for seeding.
type Transporter struct {
	ID          string
	Name        string
	IsAvailable bool
	LastLat     float64
	LastLng     float64
}

// Vehicle is one truck in a transporter's fleet.
type Vehicle struct {
	ID             string
	TransporterID  string
	VehicleType    string
	VehicleSubtype string
	Status         string
	BookingID      string
}

const (
	vehicleAvailable = "available"
	vehicleAssigned  = "assigned"
)

// Store holds everything behind one mutex. Good enough for tests and a dev
// process; the postgres adapter owns production traffic.
type Store struct {
	mu           sync.Mutex
	bookings     map[string]entities.Booking
	assignments  map[string]entities.Assignment
	transporters map[string]Transporter
	vehicles     map[string]Vehicle
}

func NewStore() *Store {
	return &Store{
		bookings:     make(map[string]entities.Booking),
		assignments:  make(map[string]entities.Assignment),
		transporters: make(map[string]Transporter),
		vehicles:     make(map[string]Vehicle),
	}
}

// SeedTransporter registers a transporter profile.
func (s *Store) SeedTransporter(t Transporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transporters[t.ID] = t
}

// SeedVehicle registers a vehicle; empty status defaults to available.
func (s *Store) SeedVehicle(v Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Status == "" {
		v.Status = vehicleAvailable
	}
	s.vehicles[v.ID] = v
}

func (s *Store) CreateBooking(_ context.Context, booking entities.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bookings {
		if existing.CustomerID == booking.CustomerID && !existing.Status.Terminal() {
			return domainerrors.ErrOrderActiveExists
		}
	}
	s.bookings[booking.ID] = cloneBooking(booking)
	return nil
}

func (s *Store) GetBooking(_ context.Context, bookingID string) (entities.Booking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	booking, ok := s.bookings[bookingID]
	if !ok {
		return entities.Booking{}, false, nil
	}
	return cloneBooking(booking), true, nil
}

func (s *Store) FindActiveBookingByCustomer(_ context.Context, customerID string) (entities.Booking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found entities.Booking
	var ok bool
	for _, booking := range s.bookings {
		if booking.CustomerID != customerID || booking.Status.Terminal() {
			continue
		}
		if !ok || booking.CreatedAt.After(found.CreatedAt) {
			found = booking
			ok = true
		}
	}
	if !ok {
		return entities.Booking{}, false, nil
	}
	return cloneBooking(found), true, nil
}

func (s *Store) UpdateStatusIfIn(_ context.Context, bookingID string, allowed []entities.BookingStatus, next entities.BookingStatus, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	booking, ok := s.bookings[bookingID]
	if !ok {
		return 0, nil
	}
	for _, status := range allowed {
		if booking.Status == status {
			booking.Status = next
			booking.StateChangedAt = at
			s.bookings[bookingID] = booking
			return 1, nil
		}
	}
	return 0, nil
}

func (s *Store) IncrementTrucksFilled(_ context.Context, bookingID string, at time.Time) (entities.Booking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	booking, ok := s.bookings[bookingID]
	if !ok {
		return entities.Booking{}, false, domainerrors.ErrBookingNotFound
	}
	acceptable := false
	for _, status := range entities.AcceptableStatuses() {
		if booking.Status == status {
			acceptable = true
			break
		}
	}
	if !acceptable || booking.TrucksFilled >= booking.TrucksNeeded {
		return cloneBooking(booking), false, nil
	}
	booking.TrucksFilled++
	booking.StateChangedAt = at
	s.bookings[bookingID] = booking
	return cloneBooking(booking), true, nil
}

func (s *Store) AppendNotifiedTransporters(_ context.Context, bookingID string, transporterIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	booking, ok := s.bookings[bookingID]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(booking.NotifiedTransporters))
	for _, id := range booking.NotifiedTransporters {
		seen[id] = struct{}{}
	}
	for _, id := range transporterIDs {
		if _, dup := seen[id]; !dup {
			booking.NotifiedTransporters = append(booking.NotifiedTransporters, id)
			seen[id] = struct{}{}
		}
	}
	s.bookings[bookingID] = booking
	return nil
}

func (s *Store) ListOpenBookingsByTruckTypes(_ context.Context, truckTypeKeys []string, now time.Time) ([]entities.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]struct{}, len(truckTypeKeys))
	for _, key := range truckTypeKeys {
		wanted[key] = struct{}{}
	}
	var out []entities.Booking
	for _, booking := range s.bookings {
		if _, match := wanted[booking.TruckTypeKey()]; !match {
			continue
		}
		if !slices.Contains(entities.RebroadcastStatuses(), booking.Status) {
			continue
		}
		if !booking.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneBooking(booking))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiredOpenBookings(_ context.Context, now time.Time) ([]entities.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.Booking
	for _, booking := range s.bookings {
		if booking.Status.Terminal() {
			continue
		}
		if booking.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneBooking(booking))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *Store) CreateAssignment(_ context.Context, assignment entities.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[assignment.ID] = assignment
	return nil
}

func (s *Store) AssignmentsForBooking(_ context.Context, bookingID string) ([]entities.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.Assignment
	for _, assignment := range s.assignments {
		if assignment.BookingID == bookingID {
			out = append(out, assignment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CancelPendingAssignments(_ context.Context, bookingID string, at time.Time) ([]entities.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []entities.Assignment
	for id, assignment := range s.assignments {
		if assignment.BookingID != bookingID || assignment.Status != entities.AssignmentPending {
			continue
		}
		assignment.Status = entities.AssignmentCancelled
		assignment.UpdatedAt = at
		s.assignments[id] = assignment
		cancelled = append(cancelled, assignment)

		if vehicle, ok := s.vehicles[assignment.VehicleID]; ok && vehicle.Status == vehicleAssigned {
			vehicle.Status = vehicleAvailable
			vehicle.BookingID = ""
			s.vehicles[assignment.VehicleID] = vehicle
		}
	}
	return cancelled, nil
}

func (s *Store) FindAvailableVehicle(_ context.Context, transporterID, vehicleType, vehicleSubtype string) (entities.VehicleRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entities.TruckTypeKey(vehicleType, vehicleSubtype)
	ids := make([]string, 0, len(s.vehicles))
	for id := range s.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		vehicle := s.vehicles[id]
		if vehicle.TransporterID != transporterID || vehicle.Status != vehicleAvailable {
			continue
		}
		if entities.TruckTypeKey(vehicle.VehicleType, vehicle.VehicleSubtype) != key {
			continue
		}
		return entities.VehicleRef{
			ID:             vehicle.ID,
			TransporterID:  vehicle.TransporterID,
			VehicleType:    vehicle.VehicleType,
			VehicleSubtype: vehicle.VehicleSubtype,
		}, true, nil
	}
	return entities.VehicleRef{}, false, nil
}

func (s *Store) MarkVehicleAssigned(_ context.Context, vehicleID, bookingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vehicle, ok := s.vehicles[vehicleID]
	if !ok || vehicle.Status != vehicleAvailable {
		return nil
	}
	vehicle.Status = vehicleAssigned
	vehicle.BookingID = bookingID
	s.vehicles[vehicleID] = vehicle
	return nil
}

func (s *Store) TransporterTruckTypes(_ context.Context, transporterID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, vehicle := range s.vehicles {
		if vehicle.TransporterID != transporterID {
			continue
		}
		key := entities.TruckTypeKey(vehicle.VehicleType, vehicle.VehicleSubtype)
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) TransportersByVehicleType(_ context.Context, vehicleType, vehicleSubtype string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entities.TruckTypeKey(vehicleType, vehicleSubtype)
	seen := make(map[string]struct{})
	var out []string
	for _, vehicle := range s.vehicles {
		if entities.TruckTypeKey(vehicle.VehicleType, vehicle.VehicleSubtype) != key {
			continue
		}
		if _, dup := seen[vehicle.TransporterID]; !dup {
			seen[vehicle.TransporterID] = struct{}{}
			out = append(out, vehicle.TransporterID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) IsAvailable(_ context.Context, transporterID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	transporter, ok := s.transporters[transporterID]
	return ok && transporter.IsAvailable, nil
}

func (s *Store) MarkUnavailable(_ context.Context, transporterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transporter, ok := s.transporters[transporterID]; ok {
		transporter.IsAvailable = false
		s.transporters[transporterID] = transporter
	}
	return nil
}

func (s *Store) PresenceSeed(_ context.Context, transporterID string) (presenceports.Seed, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	transporter, ok := s.transporters[transporterID]
	if !ok || !transporter.IsAvailable {
		return presenceports.Seed{}, false, nil
	}
	ids := make([]string, 0, len(s.vehicles))
	for id := range s.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		vehicle := s.vehicles[id]
		if vehicle.TransporterID != transporterID || vehicle.Status != vehicleAvailable {
			continue
		}
		return presenceports.Seed{
			TruckTypeKey: entities.TruckTypeKey(vehicle.VehicleType, vehicle.VehicleSubtype),
			VehicleID:    vehicle.ID,
			Lat:          transporter.LastLat,
			Lng:          transporter.LastLng,
		}, true, nil
	}
	return presenceports.Seed{}, false, nil
}

func cloneBooking(b entities.Booking) entities.Booking {
	out := b
	out.NotifiedTransporters = append([]string(nil), b.NotifiedTransporters...)
	return out
}
