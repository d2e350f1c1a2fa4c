package queries

import (
	"context"
	"errors"
	"testing"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/memory"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func seedBooking(t *testing.T, store *memory.Store, id string, status entities.BookingStatus, vehicleType, vehicleSubtype string, expiresAt time.Time) {
	t.Helper()
	if err := store.CreateBooking(context.Background(), entities.Booking{
		ID:             id,
		CustomerID:     "cust-1",
		VehicleType:    vehicleType,
		VehicleSubtype: vehicleSubtype,
		Status:         status,
		TrucksNeeded:   1,
		ExpiresAt:      expiresAt,
	}); err != nil {
		t.Fatalf("seed booking %s failed: %v", id, err)
	}
}

func TestActiveBookingsMatchesFleetTypes(t *testing.T) {
	store := memory.NewStore()
	clock := fixedClock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SeedVehicle(memory.Vehicle{ID: "v-1", TransporterID: "t-1", VehicleType: "Open", VehicleSubtype: "17ft"})

	horizon := clock.at.Add(time.Minute)
	seedBooking(t, store, "b-open", entities.StatusActive, "Open", "17ft", horizon)
	seedBooking(t, store, "b-partial", entities.StatusPartiallyFilled, "Open", "17ft", horizon)
	seedBooking(t, store, "b-other-type", entities.StatusActive, "Container", "20ft", horizon)
	seedBooking(t, store, "b-expired", entities.StatusActive, "Open", "17ft", clock.at.Add(-time.Second))
	seedBooking(t, store, "b-filled", entities.StatusFullyFilled, "Open", "17ft", horizon)
	seedBooking(t, store, "b-created", entities.StatusCreated, "Open", "17ft", horizon)
	seedBooking(t, store, "b-launching", entities.StatusBroadcasting, "Open", "17ft", horizon)

	query := ActiveBookingsQuery{Repository: store, Clock: clock}
	result, err := query.Execute(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	got := make(map[string]bool, len(result.Bookings))
	for _, booking := range result.Bookings {
		got[booking.ID] = true
	}
	if len(got) != 2 || !got["b-open"] || !got["b-partial"] {
		t.Fatalf("expected only open matching bookings, got %v", got)
	}
}

func TestActiveBookingsNoFleet(t *testing.T) {
	store := memory.NewStore()
	seedBooking(t, store, "b-open", entities.StatusActive, "Open", "17ft", time.Now().Add(time.Minute))

	query := ActiveBookingsQuery{Repository: store}
	result, err := query.Execute(context.Background(), "t-without-fleet")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(result.Bookings) != 0 {
		t.Fatalf("transporter without vehicles should see nothing, got %v", result.Bookings)
	}
}

func TestActiveBookingsRequiresTransporterID(t *testing.T) {
	query := ActiveBookingsQuery{Repository: memory.NewStore()}
	_, err := query.Execute(context.Background(), "  ")
	if !errors.Is(err, domainerrors.ErrInvalidBookingInput) {
		t.Fatalf("expected ErrInvalidBookingInput, got %v", err)
	}
}
