package commands

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/guards"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/memory"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	"haulmatch/internal/platform/sharedstore"
	"haulmatch/internal/shared/events"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type seqIDs struct {
	mu   sync.Mutex
	next int
}

func (g *seqIDs) NewID(context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

// fakeBroadcaster satisfies ports.Broadcaster with scripted matches.
type fakeBroadcaster struct {
	matches ports.InitialMatches

	mu        sync.Mutex
	launched  []string
	cancelled []string
}

func (b *fakeBroadcaster) ResolveInitialMatches(context.Context, entities.Booking) (ports.InitialMatches, error) {
	return b.matches, nil
}

func (b *fakeBroadcaster) Launch(_ context.Context, booking entities.Booking, matches ports.InitialMatches) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launched = append(b.launched, booking.ID)
	return len(matches.TransporterIDs), nil
}

func (b *fakeBroadcaster) CancelTimers(_ context.Context, bookingID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, bookingID)
	return nil
}

func (b *fakeBroadcaster) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cancelled)
}

// sentEvent is one recorded notifier push.
type sentEvent struct {
	UserID string
	Event  events.Name
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID string, event events.Name, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEvent{UserID: userID, Event: event})
	return nil
}

func (n *recordingNotifier) NotifyUsers(ctx context.Context, userIDs []string, event events.Name, payload any) error {
	for _, id := range userIDs {
		_ = n.NotifyUser(ctx, id, event, payload)
	}
	return nil
}

func (n *recordingNotifier) eventsFor(userID string) []events.Name {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []events.Name
	for _, s := range n.sent {
		if s.UserID == userID {
			out = append(out, s.Event)
		}
	}
	return out
}

func (n *recordingNotifier) received(userID string, event events.Name) bool {
	for _, got := range n.eventsFor(userID) {
		if got == event {
			return true
		}
	}
	return false
}

// fixture bundles the in-memory wiring every command test uses.
type fixture struct {
	repo        *memory.Store
	shared      *sharedstore.Memory
	guards      guards.Store
	broadcaster *fakeBroadcaster
	notifier    *recordingNotifier
	clock       fixedClock
	ids         *seqIDs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	shared := sharedstore.NewMemory()
	t.Cleanup(func() { _ = shared.Close() })
	return &fixture{
		repo:        memory.NewStore(),
		shared:      shared,
		guards:      guards.Store{Shared: shared},
		broadcaster: &fakeBroadcaster{matches: ports.InitialMatches{TransporterIDs: []string{"t-1", "t-2"}}},
		notifier:    &recordingNotifier{},
		clock:       fixedClock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		ids:         &seqIDs{},
	}
}

func (f *fixture) createUseCase() CreateBookingUseCase {
	return CreateBookingUseCase{
		Repository:  f.repo,
		Guards:      f.guards,
		Broadcaster: f.broadcaster,
		Notifier:    f.notifier,
		Clock:       f.clock,
		IDGenerator: f.ids,
		Horizon:     2 * time.Minute,
	}
}

func (f *fixture) cancelUseCase() CancelBookingUseCase {
	return CancelBookingUseCase{
		Repository:  f.repo,
		Guards:      f.guards,
		Broadcaster: f.broadcaster,
		Notifier:    f.notifier,
		Clock:       f.clock,
	}
}

func (f *fixture) acceptUseCase() AcceptBookingUseCase {
	return AcceptBookingUseCase{
		Repository:  f.repo,
		Guards:      f.guards,
		Broadcaster: f.broadcaster,
		Notifier:    f.notifier,
		Clock:       f.clock,
		IDGenerator: f.ids,
	}
}

func (f *fixture) expireUseCase() ExpireBookingUseCase {
	return ExpireBookingUseCase{
		Repository:  f.repo,
		Guards:      f.guards,
		Broadcaster: f.broadcaster,
		Notifier:    f.notifier,
		Clock:       f.clock,
	}
}

func (f *fixture) seedFleet(transporterID string, vehicles int) {
	f.repo.SeedTransporter(memory.Transporter{ID: transporterID, IsAvailable: true})
	for i := 0; i < vehicles; i++ {
		f.repo.SeedVehicle(memory.Vehicle{
			ID:             fmt.Sprintf("%s-v%d", transporterID, i+1),
			TransporterID:  transporterID,
			VehicleType:    "Open",
			VehicleSubtype: "17ft",
		})
	}
}

func validCreateCommand(customerID string) CreateBookingCommand {
	return CreateBookingCommand{
		CustomerID:     customerID,
		CustomerName:   "Test Customer",
		Pickup:         entities.Location{Lat: 12.9716, Lng: 77.5946, Address: "Pickup Rd", City: "Bengaluru"},
		Drop:           entities.Location{Lat: 13.0827, Lng: 80.2707, Address: "Drop St", City: "Chennai"},
		VehicleType:    "Open",
		VehicleSubtype: "17ft",
		TrucksNeeded:   2,
		PricePerTruck:  15000,
		DistanceKM:     350,
		Goods:          "steel coils",
		WeightTonnes:   12,
	}
}
