package timers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"haulmatch/internal/platform/sharedstore"
)

func newTestEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	store := sharedstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	engine := NewEngine(store, time.Second, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now }
	return engine, &now
}

func TestEngineDrainReturnsOnlyDueTimers(t *testing.T) {
	engine, now := newTestEngine(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"booking_id":"b1"}`)
	if err := engine.Schedule(ctx, "timer:booking:b1", payload, now.Add(30*time.Second)); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	due, err := engine.Drain(ctx, "timer:booking:")
	if err != nil || len(due) != 0 {
		t.Fatalf("nothing should be due yet: %v err=%v", due, err)
	}

	*now = now.Add(31 * time.Second)
	due, err = engine.Drain(ctx, "timer:booking:")
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(due) != 1 || due[0].Key != "timer:booking:b1" {
		t.Fatalf("expected one due timer, got %v", due)
	}
	if string(due[0].Payload) != string(payload) {
		t.Fatalf("payload round trip mismatch: %s", due[0].Payload)
	}

	// Drained once; a second drain is empty.
	due, err = engine.Drain(ctx, "timer:booking:")
	if err != nil || len(due) != 0 {
		t.Fatalf("expected empty second drain, got %v err=%v", due, err)
	}
}

func TestEngineDrainHonorsPrefix(t *testing.T) {
	engine, now := newTestEngine(t)
	ctx := context.Background()

	_ = engine.Schedule(ctx, "timer:booking:b1", nil, now.Add(time.Second))
	_ = engine.Schedule(ctx, "timer:radius:b1", nil, now.Add(time.Second))
	*now = now.Add(2 * time.Second)

	due, err := engine.Drain(ctx, "timer:radius:")
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(due) != 1 || due[0].Key != "timer:radius:b1" {
		t.Fatalf("expected only the radius timer, got %v", due)
	}
}

func TestEngineCancelDropsTimer(t *testing.T) {
	engine, now := newTestEngine(t)
	ctx := context.Background()

	_ = engine.Schedule(ctx, "timer:booking:b1", nil, now.Add(time.Second))
	if err := engine.Cancel(ctx, "timer:booking:b1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	*now = now.Add(2 * time.Second)
	due, err := engine.Drain(ctx, "timer:booking:")
	if err != nil || len(due) != 0 {
		t.Fatalf("cancelled timer must not fire: %v err=%v", due, err)
	}

	// Cancelling an absent timer is a no-op.
	if err := engine.Cancel(ctx, "timer:booking:missing"); err != nil {
		t.Fatalf("cancel of missing timer failed: %v", err)
	}
}

func TestEngineScheduleReplacesExisting(t *testing.T) {
	engine, now := newTestEngine(t)
	ctx := context.Background()

	_ = engine.Schedule(ctx, "timer:booking:b1", json.RawMessage(`{"v":1}`), now.Add(time.Second))
	_ = engine.Schedule(ctx, "timer:booking:b1", json.RawMessage(`{"v":2}`), now.Add(time.Minute))

	*now = now.Add(2 * time.Second)
	due, err := engine.Drain(ctx, "timer:booking:")
	if err != nil || len(due) != 0 {
		t.Fatalf("replaced timer must use the later expiry: %v err=%v", due, err)
	}

	*now = now.Add(time.Minute)
	due, err = engine.Drain(ctx, "timer:booking:")
	if err != nil || len(due) != 1 {
		t.Fatalf("expected replacement to fire once, got %v err=%v", due, err)
	}
	if string(due[0].Payload) != `{"v":2}` {
		t.Fatalf("expected latest payload, got %s", due[0].Payload)
	}
}

// getFailingStore fails reads of one key a set number of times.
type getFailingStore struct {
	sharedstore.Store
	failKey string
	fails   int
}

func (s *getFailingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == s.failKey && s.fails > 0 {
		s.fails--
		return "", false, errors.New("transient read")
	}
	return s.Store.Get(ctx, key)
}

func TestEngineDrainRequeuesClaimedKeysOnReadError(t *testing.T) {
	engine, now := newTestEngine(t)
	ctx := context.Background()
	engine.Store = &getFailingStore{Store: engine.Store, failKey: "timer:booking:b1", fails: 1}

	_ = engine.Schedule(ctx, "timer:booking:b1", json.RawMessage(`{"v":1}`), now.Add(time.Second))
	_ = engine.Schedule(ctx, "timer:booking:b2", json.RawMessage(`{"v":2}`), now.Add(2*time.Second))
	*now = now.Add(3 * time.Second)

	due, err := engine.Drain(ctx, "timer:booking:")
	if err == nil {
		t.Fatalf("expected the transient read error to surface")
	}
	if len(due) != 0 {
		t.Fatalf("no timer was readable yet, got %v", due)
	}

	// Both claimed keys went back to pending; the next drain fires them.
	due, err = engine.Drain(ctx, "timer:booking:")
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected both timers after the requeue, got %v", due)
	}
}

func TestEngineTickRunsHandlerOnce(t *testing.T) {
	engine, now := newTestEngine(t)
	ctx := context.Background()

	var calls int
	engine.Register("timer:booking:", func(_ context.Context, timer Timer) error {
		calls++
		if timer.Key != "timer:booking:b1" {
			t.Fatalf("unexpected key %s", timer.Key)
		}
		return nil
	})

	_ = engine.Schedule(ctx, "timer:booking:b1", nil, now.Add(time.Second))
	*now = now.Add(2 * time.Second)

	engine.Tick(ctx)
	engine.Tick(ctx)
	if calls != 1 {
		t.Fatalf("expected handler to fire once, fired %d times", calls)
	}
}

func TestEngineFailedHandlerIsRetried(t *testing.T) {
	engine, now := newTestEngine(t)
	ctx := context.Background()

	var calls int
	engine.Register("timer:booking:", func(context.Context, Timer) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	_ = engine.Schedule(ctx, "timer:booking:b1", nil, now.Add(time.Second))
	*now = now.Add(2 * time.Second)

	engine.Tick(ctx)
	if calls != 1 {
		t.Fatalf("expected first attempt, got %d", calls)
	}

	// The requeued timer is due immediately; the same instance may re-enter
	// its own dispatch lock.
	engine.Tick(ctx)
	if calls != 2 {
		t.Fatalf("expected retry on next tick, got %d calls", calls)
	}
}
