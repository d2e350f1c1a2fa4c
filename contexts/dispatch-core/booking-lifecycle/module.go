package lifecycle

import (
	"log/slog"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/guards"
	httpadapter "haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/http"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/application/commands"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/application/queries"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/application/workers"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	"haulmatch/internal/platform/sharedstore"
)

// Module is the lifecycle composition root exposed to runtime wiring.
type Module struct {
	Handler httpadapter.Handler
	Create  commands.CreateBookingUseCase
	Cancel  commands.CancelBookingUseCase
	Accept  commands.AcceptBookingUseCase
	Expire  commands.ExpireBookingUseCase
	Sweeper *workers.ExpirySweeper
}

// Dependencies captures runtime ports and tuning for NewModule.
type Dependencies struct {
	Repository    ports.BookingRepository
	Shared        sharedstore.Store
	Broadcaster   ports.Broadcaster
	Notifier      ports.Notifier
	Clock         ports.Clock
	IDGenerator   ports.IDGenerator
	Horizon       time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// NewModule wires use cases, the guard-store adapter, and the expiry sweeper.
func NewModule(deps Dependencies) Module {
	guardStore := guards.Store{Shared: deps.Shared}

	create := commands.CreateBookingUseCase{
		Repository:  deps.Repository,
		Guards:      guardStore,
		Broadcaster: deps.Broadcaster,
		Notifier:    deps.Notifier,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Horizon:     deps.Horizon,
		Logger:      deps.Logger,
	}
	cancel := commands.CancelBookingUseCase{
		Repository:  deps.Repository,
		Guards:      guardStore,
		Broadcaster: deps.Broadcaster,
		Notifier:    deps.Notifier,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	}
	accept := commands.AcceptBookingUseCase{
		Repository:  deps.Repository,
		Guards:      guardStore,
		Broadcaster: deps.Broadcaster,
		Notifier:    deps.Notifier,
		Clock:       deps.Clock,
		IDGenerator: deps.IDGenerator,
		Logger:      deps.Logger,
	}
	expire := commands.ExpireBookingUseCase{
		Repository:  deps.Repository,
		Guards:      guardStore,
		Broadcaster: deps.Broadcaster,
		Notifier:    deps.Notifier,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	}
	active := queries.ActiveBookingsQuery{
		Repository: deps.Repository,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
	}

	return Module{
		Handler: httpadapter.Handler{
			Create: create,
			Cancel: cancel,
			Accept: accept,
			Active: active,
			Logger: deps.Logger,
		},
		Create: create,
		Cancel: cancel,
		Accept: accept,
		Expire: expire,
		Sweeper: &workers.ExpirySweeper{
			Repository: deps.Repository,
			Expire:     expire,
			Store:      deps.Shared,
			Clock:      deps.Clock,
			Interval:   deps.SweepInterval,
			Logger:     deps.Logger,
		},
	}
}
