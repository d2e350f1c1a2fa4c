package dispatcher

import (
	"log/slog"

	"haulmatch/contexts/dispatch-core/broadcast-dispatcher/adapters/state"
	"haulmatch/contexts/dispatch-core/broadcast-dispatcher/application"
	"haulmatch/contexts/dispatch-core/broadcast-dispatcher/ports"
	"haulmatch/internal/platform/sharedstore"
)

// Module is the dispatcher composition root exposed to runtime wiring.
type Module struct {
	Service *application.Service
}

// Dependencies captures runtime ports and tuning for NewModule.
type Dependencies struct {
	Repository   ports.Repository
	Presence     ports.PresenceIndex
	Timers       ports.TimerScheduler
	Shared       sharedstore.Store
	Notifier     ports.Notifier
	Clock        ports.Clock
	Steps        []ports.RadiusStep
	PerStepLimit int
	Logger       *slog.Logger
}

// NewModule wires the dispatcher service over the shared fan-out state.
func NewModule(deps Dependencies) Module {
	return Module{
		Service: &application.Service{
			Repository:   deps.Repository,
			Presence:     deps.Presence,
			Timers:       deps.Timers,
			State:        state.Store{Shared: deps.Shared},
			Notifier:     deps.Notifier,
			Clock:        deps.Clock,
			Steps:        deps.Steps,
			PerStepLimit: deps.PerStepLimit,
			Logger:       deps.Logger,
		},
	}
}
