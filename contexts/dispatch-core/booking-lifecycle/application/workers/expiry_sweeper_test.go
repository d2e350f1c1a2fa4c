package workers

import (
	"context"
	"testing"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/guards"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/memory"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/application/commands"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	"haulmatch/internal/platform/sharedstore"
	"haulmatch/internal/shared/events"
)

type sweepClock struct{ at time.Time }

func (c sweepClock) Now() time.Time { return c.at }

type noopBroadcaster struct{}

func (noopBroadcaster) ResolveInitialMatches(context.Context, entities.Booking) (ports.InitialMatches, error) {
	return ports.InitialMatches{}, nil
}

func (noopBroadcaster) Launch(context.Context, entities.Booking, ports.InitialMatches) (int, error) {
	return 0, nil
}

func (noopBroadcaster) CancelTimers(context.Context, string) error { return nil }

type noopNotifier struct{}

func (noopNotifier) NotifyUser(context.Context, string, events.Name, any) error    { return nil }
func (noopNotifier) NotifyUsers(context.Context, []string, events.Name, any) error { return nil }

func newSweeper(t *testing.T) (*ExpirySweeper, *memory.Store, sweepClock) {
	t.Helper()
	shared := sharedstore.NewMemory()
	t.Cleanup(func() { _ = shared.Close() })
	repo := memory.NewStore()
	clock := sweepClock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sweeper := &ExpirySweeper{
		Repository: repo,
		Expire: commands.ExpireBookingUseCase{
			Repository:  repo,
			Guards:      guards.Store{Shared: shared},
			Broadcaster: noopBroadcaster{},
			Notifier:    noopNotifier{},
			Clock:       clock,
		},
		Store:    shared,
		Clock:    clock,
		Interval: time.Minute,
	}
	return sweeper, repo, clock
}

func seedOpenBooking(t *testing.T, repo *memory.Store, id string, expiresAt time.Time) {
	t.Helper()
	if err := repo.CreateBooking(context.Background(), entities.Booking{
		ID:           id,
		CustomerID:   "cust-1",
		VehicleType:  "Open",
		TrucksNeeded: 1,
		Status:       entities.StatusActive,
		ExpiresAt:    expiresAt,
	}); err != nil {
		t.Fatalf("seed booking failed: %v", err)
	}
}

func TestExpirySweeperExpiresOverdueBookings(t *testing.T) {
	sweeper, repo, clock := newSweeper(t)
	ctx := context.Background()

	seedOpenBooking(t, repo, "b-overdue", clock.at.Add(-time.Minute))
	seedOpenBooking(t, repo, "b-live", clock.at.Add(time.Minute))

	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	overdue, _, _ := repo.GetBooking(ctx, "b-overdue")
	if overdue.Status != entities.StatusExpired {
		t.Fatalf("overdue booking should expire, got %s", overdue.Status)
	}
	live, _, _ := repo.GetBooking(ctx, "b-live")
	if live.Status != entities.StatusActive {
		t.Fatalf("live booking must be untouched, got %s", live.Status)
	}
}

func TestExpirySweeperRepeatRunIsIdempotent(t *testing.T) {
	sweeper, repo, clock := newSweeper(t)
	ctx := context.Background()

	seedOpenBooking(t, repo, "b-overdue", clock.at.Add(-time.Minute))
	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("repeat sweep failed: %v", err)
	}

	booking, _, _ := repo.GetBooking(ctx, "b-overdue")
	if booking.Status != entities.StatusExpired {
		t.Fatalf("booking should stay expired, got %s", booking.Status)
	}
}

func TestExpirySweeperSkipsWhenLockHeld(t *testing.T) {
	sweeper, repo, clock := newSweeper(t)
	ctx := context.Background()

	if ok, err := sweeper.Store.LockAcquire(ctx, "lock:booking:expiry-sweep", "other-instance", time.Minute); err != nil || !ok {
		t.Fatalf("seed lock failed: ok=%v err=%v", ok, err)
	}
	seedOpenBooking(t, repo, "b-overdue", clock.at.Add(-time.Minute))

	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("locked-out sweep should return nil: %v", err)
	}
	booking, _, _ := repo.GetBooking(ctx, "b-overdue")
	if booking.Status != entities.StatusActive {
		t.Fatalf("locked-out sweep must not expire anything, got %s", booking.Status)
	}
}
