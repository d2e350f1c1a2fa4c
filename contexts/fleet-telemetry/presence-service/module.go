package presence

import (
	"log/slog"
	"time"

	"haulmatch/contexts/fleet-telemetry/presence-service/application"
	"haulmatch/contexts/fleet-telemetry/presence-service/application/workers"
	"haulmatch/contexts/fleet-telemetry/presence-service/ports"
	"haulmatch/internal/platform/sharedstore"
)

// Module is the presence-service composition root exposed to runtime wiring.
type Module struct {
	Service application.Service
	Sweeper *workers.StaleSweeper
}

// Dependencies captures all runtime ports/config required by NewModule.
type Dependencies struct {
	Store         sharedstore.Store
	Directory     ports.Directory
	Clock         ports.Clock
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// NewModule wires the presence index and its stale sweeper using explicit
// ports.
func NewModule(deps Dependencies) Module {
	service := application.Service{
		Store:     deps.Store,
		Directory: deps.Directory,
		Clock:     deps.Clock,
		TTL:       deps.TTL,
		Logger:    deps.Logger,
	}
	sweeper := &workers.StaleSweeper{
		Presence: service,
		Store:    deps.Store,
		Interval: deps.SweepInterval,
		Logger:   deps.Logger,
	}
	return Module{
		Service: service,
		Sweeper: sweeper,
	}
}
