// Package state implements the dispatcher's FanOutState on the shared store.
package state

import (
	"context"
	"strconv"
	"time"

	"haulmatch/internal/platform/sharedstore"
)

// Keys owned by this adapter:
//
//	broadcast:notified:{booking_id}    -> set of transporter IDs
//	broadcast:radius:step:{booking_id} -> next expansion step index
const (
	notifiedPrefix   = "broadcast:notified:"
	radiusStepPrefix = "broadcast:radius:step:"
)

// Store adapts sharedstore.Store to ports.FanOutState.
type Store struct {
	Shared sharedstore.Store
}

// AddNotified relies on SADD's per-member return for the at-most-once
// guarantee: whichever instance adds a transporter first is the only one that
// sees it as new.
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

func (s Store) SetRadiusStep(ctx context.Context, bookingID string, step int, ttl time.Duration) error {
	return s.Shared.Set(ctx, radiusStepPrefix+bookingID, strconv.Itoa(step), ttl)
}

func (s Store) RadiusStep(ctx context.Context, bookingID string) (int, bool, error) {
	raw, found, err := s.Shared.Get(ctx, radiusStepPrefix+bookingID)
	if err != nil || !found {
		return 0, false, err
	}
	step, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return step, true, nil
}

func (s Store) ClearRadiusStep(ctx context.Context, bookingID string) error {
	return s.Shared.Del(ctx, radiusStepPrefix+bookingID)
}
