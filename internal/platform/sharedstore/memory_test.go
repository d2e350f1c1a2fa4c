package sharedstore

import (
	"context"
	"testing"
	"time"
)

func newTestMemory(t *testing.T) (*Memory, *time.Time) {
	t.Helper()
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryStringTTL(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", 10*time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("expected live key, got %q ok=%v err=%v", value, ok, err)
	}

	*now = now.Add(11 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatalf("expected key to expire")
	}
}

func TestMemorySetNX(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "first", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("first setnx should win: ok=%v err=%v", ok, err)
	}
	ok, err = m.SetNX(ctx, "k", "second", 5*time.Second)
	if err != nil || ok {
		t.Fatalf("second setnx should lose: ok=%v err=%v", ok, err)
	}

	*now = now.Add(6 * time.Second)
	ok, err = m.SetNX(ctx, "k", "third", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("setnx after expiry should win: ok=%v err=%v", ok, err)
	}
	value, _, _ := m.Get(ctx, "k")
	if value != "third" {
		t.Fatalf("expected third, got %q", value)
	}
}

func TestMemorySAddReturnsNewCount(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	added, err := m.SAdd(ctx, "set", "a", "b")
	if err != nil || added != 2 {
		t.Fatalf("expected 2 added, got %d err=%v", added, err)
	}
	added, err = m.SAdd(ctx, "set", "b", "c")
	if err != nil || added != 1 {
		t.Fatalf("expected 1 added for duplicate member, got %d err=%v", added, err)
	}
	members, err := m.SMembers(ctx, "set")
	if err != nil || len(members) != 3 {
		t.Fatalf("expected 3 members, got %v err=%v", members, err)
	}
}

func TestMemoryLockAcquireRelease(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	ok, err := m.LockAcquire(ctx, "lock:x", "holder-1", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}
	// Re-entrant for the same holder.
	ok, err = m.LockAcquire(ctx, "lock:x", "holder-1", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("holder re-acquire should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = m.LockAcquire(ctx, "lock:x", "holder-2", 10*time.Second)
	if err != nil || ok {
		t.Fatalf("other holder must be rejected: ok=%v err=%v", ok, err)
	}

	// Wrong holder cannot release.
	released, err := m.LockRelease(ctx, "lock:x", "holder-2")
	if err != nil || released {
		t.Fatalf("wrong holder release must fail: released=%v err=%v", released, err)
	}
	released, err = m.LockRelease(ctx, "lock:x", "holder-1")
	if err != nil || !released {
		t.Fatalf("owner release must succeed: released=%v err=%v", released, err)
	}

	// TTL evicts a crashed holder.
	if ok, _ := m.LockAcquire(ctx, "lock:y", "holder-1", 5*time.Second); !ok {
		t.Fatalf("acquire lock:y failed")
	}
	*now = now.Add(6 * time.Second)
	ok, err = m.LockAcquire(ctx, "lock:y", "holder-2", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expired lock should be claimable: ok=%v err=%v", ok, err)
	}
}

func TestMemoryZPopByScoreMatch(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	_ = m.ZAdd(ctx, "pending", 100, "timer:radius:b1")
	_ = m.ZAdd(ctx, "pending", 200, "timer:booking:b1")
	_ = m.ZAdd(ctx, "pending", 300, "timer:radius:b2")

	popped, err := m.ZPopByScoreMatch(ctx, "pending", "timer:radius:", 250, 10)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if len(popped) != 1 || popped[0] != "timer:radius:b1" {
		t.Fatalf("expected only due radius timer, got %v", popped)
	}

	// The popped member is gone; the non-matching and not-due members remain.
	again, err := m.ZPopByScoreMatch(ctx, "pending", "timer:radius:", 250, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected nothing on second pop, got %v err=%v", again, err)
	}
	rest, err := m.ZRangeByScore(ctx, "pending", 0, 1000, 0)
	if err != nil || len(rest) != 2 {
		t.Fatalf("expected 2 remaining members, got %v err=%v", rest, err)
	}
}

func TestMemoryGeoSearch(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	// Bengaluru city center, with members at roughly 0, 6, and 120 km.
	_ = m.GeoAdd(ctx, "geo:drivers:open", GeoMember{Member: "t-near", Lat: 12.9716, Lng: 77.5946})
	_ = m.GeoAdd(ctx, "geo:drivers:open", GeoMember{Member: "t-mid", Lat: 13.02, Lng: 77.62})
	_ = m.GeoAdd(ctx, "geo:drivers:open", GeoMember{Member: "t-far", Lat: 13.95, Lng: 78.1})

	results, err := m.GeoSearch(ctx, "geo:drivers:open", 12.9716, 77.5946, 10, 0)
	if err != nil {
		t.Fatalf("geo search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 hits inside 10km, got %v", results)
	}
	if results[0].Member != "t-near" || results[1].Member != "t-mid" {
		t.Fatalf("expected distance-ascending order, got %v", results)
	}

	limited, err := m.GeoSearch(ctx, "geo:drivers:open", 12.9716, 77.5946, 10, 1)
	if err != nil || len(limited) != 1 || limited[0].Member != "t-near" {
		t.Fatalf("expected limit to keep nearest, got %v err=%v", limited, err)
	}
}

func TestMemoryPubSub(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "chan")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Close() }()

	if err := m.Publish(ctx, "chan", []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		if msg.Channel != "chan" || string(msg.Payload) != "hello" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
}
