package workers

import (
	"context"
	"testing"
	"time"

	application "haulmatch/contexts/fleet-telemetry/presence-service/application"
	"haulmatch/contexts/fleet-telemetry/presence-service/ports"
	"haulmatch/internal/platform/sharedstore"
)

type sweeperDirectory struct {
	available map[string]bool
}

func (d *sweeperDirectory) IsAvailable(_ context.Context, id string) (bool, error) {
	return d.available[id], nil
}

func (d *sweeperDirectory) MarkUnavailable(_ context.Context, id string) error {
	d.available[id] = false
	return nil
}

func (d *sweeperDirectory) PresenceSeed(context.Context, string) (ports.Seed, bool, error) {
	return ports.Seed{}, false, nil
}

func TestStaleSweeperDropsExpiredEntries(t *testing.T) {
	store := sharedstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	directory := &sweeperDirectory{available: map[string]bool{"t-live": true, "t-stale": true}}
	presence := application.Service{
		Store:     store,
		Directory: directory,
		TTL:       60 * time.Second,
	}

	// A live transporter with a detail hash, and a stale one whose hash is
	// already gone but who lingers in the online set.
	if err := presence.Update(ctx, application.UpdateInput{
		TransporterID: "t-live", TruckTypeKey: "open_17ft", VehicleID: "v-1",
		Lat: 12.97, Lng: 77.59,
	}); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	if _, err := store.SAdd(ctx, "online:transporters", "t-stale"); err != nil {
		t.Fatalf("seed stale member failed: %v", err)
	}

	sweeper := &StaleSweeper{Presence: presence, Store: store, Interval: time.Second}
	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if online, _ := presence.IsOnline(ctx, "t-stale"); online {
		t.Fatalf("stale transporter should be dropped")
	}
	if online, _ := presence.IsOnline(ctx, "t-live"); !online {
		t.Fatalf("live transporter must survive the sweep")
	}
	if directory.available["t-stale"] {
		t.Fatalf("stale drop must flip the durable availability flag")
	}
	if !directory.available["t-live"] {
		t.Fatalf("live transporter flag must be untouched")
	}
}

func TestStaleSweeperSkipsWhenLockHeld(t *testing.T) {
	store := sharedstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	// Another instance holds the sweep lock.
	if ok, err := store.LockAcquire(ctx, "lock:presence:stale-sweep", "other-instance", time.Minute); err != nil || !ok {
		t.Fatalf("seed lock failed: ok=%v err=%v", ok, err)
	}
	if _, err := store.SAdd(ctx, "online:transporters", "t-stale"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	presence := application.Service{
		Store:     store,
		Directory: &sweeperDirectory{available: map[string]bool{}},
	}
	sweeper := &StaleSweeper{Presence: presence, Store: store, Interval: time.Second}
	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("sweep should skip silently: %v", err)
	}

	if online, _ := presence.IsOnline(ctx, "t-stale"); !online {
		t.Fatalf("locked-out sweep must not drop anyone")
	}
}
