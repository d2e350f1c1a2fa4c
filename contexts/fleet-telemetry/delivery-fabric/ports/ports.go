package ports

import (
	"context"
	"time"
)

// Clock abstracts current time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Identity is the authenticated principal behind one connection.
type Identity struct {
	UserID string
	Role   string
}

// Roles carried by connection tokens.
const (
	RoleCustomer    = "customer"
	RoleTransporter = "transporter"
	RoleDriver      = "driver"
)

// TokenVerifier checks the signed bearer token presented during the
// handshake. Verification failure rejects before the connection exists.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Presence is the slice of the presence index the fabric needs: TTL
// extension on heartbeat (only while the entry exists) and the reconnect
// restore path.
type Presence interface {
	Heartbeat(ctx context.Context, transporterID string, lat, lng float64) (bool, error)
	RestoreOnReconnect(ctx context.Context, transporterID string) (bool, error)
}
