package commands

import (
	"context"
	"errors"
	"testing"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
	"haulmatch/internal/shared/events"
)

func TestCancelBookingByOwner(t *testing.T) {
	f := newFixture(t)
	f.seedFleet("t-1", 1)
	booking := launchBooking(t, f, "cust-1")
	ctx := context.Background()

	// One slot already filled; its assignment is pending.
	if _, err := f.acceptUseCase().Execute(ctx, AcceptBookingCommand{BookingID: booking.ID, TransporterID: "t-1"}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	result, err := f.cancelUseCase().Execute(ctx, CancelBookingCommand{BookingID: booking.ID, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if result.AlreadyCancelled {
		t.Fatalf("first cancel must not report already cancelled")
	}
	if result.Booking.Status != entities.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", result.Booking.Status)
	}

	if f.broadcaster.cancelCount() == 0 {
		t.Fatalf("timers must be cancelled")
	}
	if _, found, _ := f.guards.ActiveBroadcast(ctx, "cust-1"); found {
		t.Fatalf("active broadcast marker should be cleared")
	}

	// The pending assignment is voided and its vehicle freed.
	assignments, _ := f.repo.AssignmentsForBooking(ctx, booking.ID)
	if len(assignments) != 1 || assignments[0].Status != entities.AssignmentCancelled {
		t.Fatalf("pending assignment should be cancelled, got %+v", assignments)
	}
	if _, found, _ := f.repo.FindAvailableVehicle(ctx, "t-1", "Open", "17ft"); !found {
		t.Fatalf("vehicle should be released on cancel")
	}

	if !f.notifier.received("cust-1", events.BookingUpdated) {
		t.Fatalf("customer should get booking_updated")
	}
	if !f.notifier.received("t-2", events.RequestNoLongerAvailable) {
		t.Fatalf("notified transporters should learn the request is gone")
	}

	// The customer can open a fresh request right away.
	if _, err := f.createUseCase().Execute(ctx, validCreateCommand("cust-1")); err != nil {
		t.Fatalf("create after cancel failed: %v", err)
	}
}

func TestCancelBookingRepeatIsIdempotent(t *testing.T) {
	f := newFixture(t)
	booking := launchBooking(t, f, "cust-1")
	ctx := context.Background()

	if _, err := f.cancelUseCase().Execute(ctx, CancelBookingCommand{BookingID: booking.ID, CustomerID: "cust-1"}); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	repeat, err := f.cancelUseCase().Execute(ctx, CancelBookingCommand{BookingID: booking.ID, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("repeat cancel failed: %v", err)
	}
	if !repeat.AlreadyCancelled {
		t.Fatalf("repeat cancel should report already cancelled")
	}
}

func TestCancelBookingWrongCustomer(t *testing.T) {
	f := newFixture(t)
	booking := launchBooking(t, f, "cust-1")

	_, err := f.cancelUseCase().Execute(context.Background(), CancelBookingCommand{BookingID: booking.ID, CustomerID: "cust-2"})
	if !errors.Is(err, domainerrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCancelBookingAfterFillRefused(t *testing.T) {
	f := newFixture(t)
	f.seedFleet("t-1", 1)
	f.seedFleet("t-2", 1)
	booking := launchBooking(t, f, "cust-1")
	ctx := context.Background()

	for _, transporter := range []string{"t-1", "t-2"} {
		if _, err := f.acceptUseCase().Execute(ctx, AcceptBookingCommand{BookingID: booking.ID, TransporterID: transporter}); err != nil {
			t.Fatalf("accept by %s failed: %v", transporter, err)
		}
	}

	_, err := f.cancelUseCase().Execute(ctx, CancelBookingCommand{BookingID: booking.ID, CustomerID: "cust-1"})
	if !errors.Is(err, domainerrors.ErrBookingCannotCancel) {
		t.Fatalf("expected ErrBookingCannotCancel for a fully filled booking, got %v", err)
	}
}

func TestCancelBookingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cancelUseCase().Execute(ctx, CancelBookingCommand{BookingID: "missing", CustomerID: "cust-1"})
	if !errors.Is(err, domainerrors.ErrBookingNotFound) {
		t.Fatalf("expected ErrBookingNotFound, got %v", err)
	}
	_, err = f.cancelUseCase().Execute(ctx, CancelBookingCommand{BookingID: "", CustomerID: "cust-1"})
	if !errors.Is(err, domainerrors.ErrInvalidBookingInput) {
		t.Fatalf("expected ErrInvalidBookingInput, got %v", err)
	}
}
