package ports

import (
	"context"
	"time"
)

// Clock abstracts current time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Seed is the durable state needed to re-create a presence entry on
// reconnect without an explicit availability toggle.
type Seed struct {
	TruckTypeKey string
	VehicleID    string
	Lat          float64
	Lng          float64
}

// Directory is the durable-store view of transporters the index needs: the
// empty-online-set fallback, the stale sweep write-back, and reconnect
// restore.
type Directory interface {
	IsAvailable(ctx context.Context, transporterID string) (bool, error)
	MarkUnavailable(ctx context.Context, transporterID string) error
	PresenceSeed(ctx context.Context, transporterID string) (Seed, bool, error)
}
