// Package guards implements the lifecycle GuardStore on the shared store,
// owning the coordination keys for create flows.
package guards

import (
	"context"
	"time"

	"haulmatch/internal/platform/sharedstore"
)

// Keys owned by this adapter:
//
//	customer:active-broadcast:{customer_id}      -> booking_id
//	idem:broadcast:create:{customer_id}:{hash}   -> booking_id
//	broadcast:notified:{booking_id}              -> set of transporter IDs
//	lock:broadcast:create:{customer_id}          -> create critical section
const (
	activeBroadcastPrefix = "customer:active-broadcast:"
	idemPrefix            = "idem:broadcast:create:"
	notifiedPrefix        = "broadcast:notified:"
	createLockPrefix      = "lock:broadcast:create:"

	createLockTTL = 10 * time.Second
)

// Store adapts sharedstore.Store to ports.GuardStore.
type Store struct {
	Shared sharedstore.Store
}

func (s Store) AcquireCreateLock(ctx context.Context, customerID string) (bool, error) {
	// Holder is the customer ID: the lock serializes creates per customer,
	// and the same customer's retry must not sneak past it from another
	// instance.
	return s.Shared.LockAcquire(ctx, createLockPrefix+customerID, customerID, createLockTTL)
}

func (s Store) ReleaseCreateLock(ctx context.Context, customerID string) error {
	_, err := s.Shared.LockRelease(ctx, createLockPrefix+customerID, customerID)
	return err
}

func (s Store) SetActiveBroadcast(ctx context.Context, customerID, bookingID string, ttl time.Duration) error {
	return s.Shared.Set(ctx, activeBroadcastPrefix+customerID, bookingID, ttl)
}

func (s Store) ActiveBroadcast(ctx context.Context, customerID string) (string, bool, error) {
	return s.Shared.Get(ctx, activeBroadcastPrefix+customerID)
}

func (s Store) ClearActiveBroadcast(ctx context.Context, customerID string) error {
	return s.Shared.Del(ctx, activeBroadcastPrefix+customerID)
}

func (s Store) SetIdempotencyMarker(ctx context.Context, customerID, fingerprint, bookingID string, ttl time.Duration) error {
	return s.Shared.Set(ctx, idemKey(customerID, fingerprint), bookingID, ttl)
}

func (s Store) IdempotencyMarker(ctx context.Context, customerID, fingerprint string) (string, bool, error) {
	return s.Shared.Get(ctx, idemKey(customerID, fingerprint))
}

func (s Store) ClearIdempotencyMarker(ctx context.Context, customerID, fingerprint string) error {
	return s.Shared.Del(ctx, idemKey(customerID, fingerprint))
}

// AddNotified adds transporter IDs to the booking's notified set one member
// at a time; SADD's per-member return is what makes "newly added" exact under
// concurrent fan-outs on different instances.
func (s Store) AddNotified(ctx context.Context, bookingID string, transporterIDs []string, ttl time.Duration) ([]string, error) {
	key := notifiedPrefix + bookingID
	newly := make([]string, 0, len(transporterIDs))
	for _, id := range transporterIDs {
		added, err := s.Shared.SAdd(ctx, key, id)
		if err != nil {
			return newly, err
		}
		if added > 0 {
			newly = append(newly, id)
		}
	}
	if ttl > 0 {
		if _, err := s.Shared.Expire(ctx, key, ttl); err != nil {
			return newly, err
		}
	}
	return newly, nil
}

func (s Store) NotifiedTransporters(ctx context.Context, bookingID string) ([]string, error) {
	return s.Shared.SMembers(ctx, notifiedPrefix+bookingID)
}

func (s Store) ClearNotified(ctx context.Context, bookingID string) error {
	return s.Shared.Del(ctx, notifiedPrefix+bookingID)
}

func idemKey(customerID, fingerprint string) string {
	return idemPrefix + customerID + ":" + fingerprint
}
