package fabric

import (
	"log/slog"

	"haulmatch/contexts/fleet-telemetry/delivery-fabric/adapters/notify"
	"haulmatch/contexts/fleet-telemetry/delivery-fabric/adapters/token"
	"haulmatch/contexts/fleet-telemetry/delivery-fabric/adapters/ws"
	"haulmatch/contexts/fleet-telemetry/delivery-fabric/application"
	"haulmatch/contexts/fleet-telemetry/delivery-fabric/ports"
	"haulmatch/internal/platform/sharedstore"
)

// Module is the delivery-fabric composition root exposed to runtime wiring.
type Module struct {
	Hub       *application.Hub
	WSHandler *ws.Handler
	Notifier  notify.Notifier
}

// Dependencies captures all runtime ports/config required by NewModule.
type Dependencies struct {
	InstanceID      string
	Store           sharedstore.Store
	Presence        ports.Presence
	Clock           ports.Clock
	JWTSecret       []byte
	MaxConnsPerUser int
	Logger          *slog.Logger
}

// NewModule wires the hub, websocket transport, and notifier facade.
func NewModule(deps Dependencies) Module {
	hub := application.NewHub(
		deps.InstanceID,
		deps.Store,
		deps.Presence,
		deps.Clock,
		deps.MaxConnsPerUser,
		deps.Logger,
	)
	verifier := token.JWTVerifier{Secret: deps.JWTSecret}
	return Module{
		Hub:       hub,
		WSHandler: ws.NewHandler(hub, verifier, deps.Logger),
		Notifier:  notify.Notifier{Hub: hub},
	}
}
