package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	lifecycle "haulmatch/contexts/dispatch-core/booking-lifecycle"
	lifecyclememory "haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/memory"
	lifecyclepostgres "haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/postgres"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/application/commands"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
	lifecycleports "haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	dispatcher "haulmatch/contexts/dispatch-core/broadcast-dispatcher"
	dispatcherapp "haulmatch/contexts/dispatch-core/broadcast-dispatcher/application"
	dispatcherports "haulmatch/contexts/dispatch-core/broadcast-dispatcher/ports"
	fabric "haulmatch/contexts/fleet-telemetry/delivery-fabric"
	presence "haulmatch/contexts/fleet-telemetry/presence-service"
	presenceapp "haulmatch/contexts/fleet-telemetry/presence-service/application"
	presenceports "haulmatch/contexts/fleet-telemetry/presence-service/ports"
	"haulmatch/internal/platform/config"
	"haulmatch/internal/platform/db"
	"haulmatch/internal/platform/httpserver"
	"haulmatch/internal/platform/sharedstore"
	"haulmatch/internal/platform/timers"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

// repository is everything the durable adapter must provide across contexts.
type repository interface {
	lifecycleports.BookingRepository
	presenceports.Directory
}

// core is the wiring shared by the api and worker processes.
type core struct {
	cfg        config.Config
	logger     *slog.Logger
	postgres   *db.Postgres
	shared     sharedstore.Store
	engine     *timers.Engine
	lifecycle  lifecycle.Module
	dispatcher dispatcher.Module
	presence   presence.Module
	fabricMod  fabric.Module
}

type APIApp struct {
	core
	server *httpserver.Server
}

type WorkerApp struct {
	core
}

// reconnectCatchUp decorates the presence restore path with the dispatcher's
// catch-up re-broadcast. The dispatcher pointer is bound after construction
// because the fabric (which needs this hook) is built before the dispatcher
// (which needs the fabric's notifier).
type reconnectCatchUp struct {
	presence presenceapp.Service
	logger   *slog.Logger
	dispatch *dispatcherapp.Service
}

func (h *reconnectCatchUp) Heartbeat(ctx context.Context, transporterID string, lat, lng float64) (bool, error) {
	return h.presence.Heartbeat(ctx, transporterID, lat, lng)
}

func (h *reconnectCatchUp) RestoreOnReconnect(ctx context.Context, transporterID string) (bool, error) {
	restored, err := h.presence.RestoreOnReconnect(ctx, transporterID)
	if err != nil {
		return restored, err
	}
	if h.dispatch != nil {
		if err := h.dispatch.OnTransporterOnline(ctx, transporterID); err != nil {
			h.logger.Warn("reconnect catch-up failed",
				"event", "bootstrap_reconnect_catchup_failed",
				"module", "internal/app/bootstrap",
				"layer", "platform",
				"transporter_id", transporterID,
				"error", err.Error(),
			)
		}
	}
	return restored, nil
}

func buildCore(process string) (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", process)
	instanceID := uuid.NewString()

	shared, err := buildSharedStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	repo, pg, err := buildRepository(cfg, logger)
	if err != nil {
		return nil, err
	}

	presenceModule := presence.NewModule(presence.Dependencies{
		Store:         shared,
		Directory:     repo,
		Clock:         lifecyclepostgres.SystemClock{},
		TTL:           cfg.PresenceTTLTransporter,
		SweepInterval: cfg.StaleCleanupInterval,
		Logger:        logger,
	})

	catchUp := &reconnectCatchUp{presence: presenceModule.Service, logger: logger}
	fabricModule := fabric.NewModule(fabric.Dependencies{
		InstanceID:      instanceID,
		Store:           shared,
		Presence:        catchUp,
		Clock:           lifecyclepostgres.SystemClock{},
		JWTSecret:       []byte(cfg.JWTSecret),
		MaxConnsPerUser: cfg.MaxConnectionsPerUser,
		Logger:          logger,
	})

	engine := timers.NewEngine(shared, cfg.TimerDrainInterval, logger)

	steps := make([]dispatcherports.RadiusStep, 0, len(cfg.RadiusSteps))
	for _, step := range cfg.RadiusSteps {
		steps = append(steps, dispatcherports.RadiusStep{KM: step.KM, Timeout: step.Timeout})
	}
	dispatcherModule := dispatcher.NewModule(dispatcher.Dependencies{
		Repository:   repo,
		Presence:     presenceModule.Service,
		Timers:       engine,
		Shared:       shared,
		Notifier:     fabricModule.Notifier,
		Clock:        lifecyclepostgres.SystemClock{},
		Steps:        steps,
		PerStepLimit: cfg.RadiusPerStepLimit,
		Logger:       logger,
	})
	catchUp.dispatch = dispatcherModule.Service

	lifecycleModule := lifecycle.NewModule(lifecycle.Dependencies{
		Repository:  repo,
		Shared:      shared,
		Broadcaster: dispatcherModule.Service,
		Notifier:    fabricModule.Notifier,
		Clock:       lifecyclepostgres.SystemClock{},
		IDGenerator: lifecyclepostgres.UUIDGenerator{},
		Horizon:     cfg.BroadcastTimeout,
		Logger:      logger,
	})

	engine.Register(dispatcherapp.RadiusTimerPrefix, dispatcherModule.Service.HandleRadiusTimer)
	engine.Register(dispatcherapp.BookingTimerPrefix, func(ctx context.Context, timer timers.Timer) error {
		bookingID := strings.TrimPrefix(timer.Key, dispatcherapp.BookingTimerPrefix)
		_, err := lifecycleModule.Expire.Execute(ctx, commands.ExpireBookingCommand{BookingID: bookingID})
		if errors.Is(err, domainerrors.ErrBookingNotFound) {
			return nil
		}
		return err
	})

	return &core{
		cfg:        cfg,
		logger:     logger,
		postgres:   pg,
		shared:     shared,
		engine:     engine,
		lifecycle:  lifecycleModule,
		dispatcher: dispatcherModule,
		presence:   presenceModule,
		fabricMod:  fabricModule,
	}, nil
}

// buildSharedStore connects to the shared store, or falls back to the
// in-process store outside production so a laptop run needs no infra.
func buildSharedStore(cfg config.Config, logger *slog.Logger) (sharedstore.Store, error) {
	if strings.TrimSpace(cfg.SharedStoreURL) != "" {
		store, err := sharedstore.NewRedis(sharedstore.Options{
			URL:            cfg.SharedStoreURL,
			MaxRetries:     cfg.SharedStoreMaxRetries,
			CommandTimeout: cfg.SharedStoreCommandTimeout,
			PoolSize:       cfg.SharedStorePoolSize,
		})
		if err == nil {
			return store, nil
		}
		if cfg.IsProduction() {
			return nil, err
		}
		logger.Warn("shared store unreachable, using in-process fallback",
			"event", "bootstrap_shared_store_fallback",
			"module", "internal/app/bootstrap",
			"layer", "platform",
			"error", err.Error(),
		)
		return sharedstore.NewMemory(), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("SHARED_STORE_URL is required in production")
	}
	return sharedstore.NewMemory(), nil
}

// buildRepository connects postgres, or falls back to the in-memory
// repository outside production.
func buildRepository(cfg config.Config, logger *slog.Logger) (repository, *db.Postgres, error) {
	if strings.TrimSpace(cfg.PostgresDSN) != "" {
		pg, err := db.Connect(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		repo := lifecyclepostgres.NewRepository(pg.DB, logger)
		if err := repo.Migrate(); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return repo, pg, nil
	}
	if cfg.IsProduction() {
		return nil, nil, errors.New("POSTGRES_DSN is required in production")
	}
	logger.Warn("no postgres dsn, using in-memory repository",
		"event", "bootstrap_memory_repository",
		"module", "internal/app/bootstrap",
		"layer", "platform",
	)
	return lifecyclememory.NewStore(), nil, nil
}

func BuildAPI() (*APIApp, error) {
	c, err := buildCore("api")
	if err != nil {
		return nil, err
	}
	server := httpserver.New(c.lifecycle, c.fabricMod.WSHandler, c.logger, normalizeAddr(c.cfg.HTTPPort))
	return &APIApp{core: *c, server: server}, nil
}

func BuildWorker() (*WorkerApp, error) {
	c, err := buildCore("worker")
	if err != nil {
		return nil, err
	}
	return &WorkerApp{core: *c}, nil
}

// startBackground launches the loops every process runs: relay subscription,
// timer drain, presence stale sweep, and the booking expiry sweep.
func (c *core) startBackground(ctx context.Context) {
	go func() { _ = c.fabricMod.Hub.Run(ctx) }()
	go func() { _ = c.engine.Run(ctx) }()
	go func() { _ = c.presence.Sweeper.Run(ctx) }()
	go func() { _ = c.lifecycle.Sweeper.Run(ctx) }()
}

func (a *APIApp) Run(ctx context.Context) error {
	a.startBackground(ctx)
	a.logger.Info("api app started",
		"event", "bootstrap_api_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
	)
	return a.server.Start()
}

func (a *APIApp) Close() error {
	return a.core.close()
}

func (w *WorkerApp) Run(ctx context.Context) error {
	w.startBackground(ctx)
	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
	)
	<-ctx.Done()
	return nil
}

func (w *WorkerApp) Close() error {
	return w.core.close()
}

func (c *core) close() error {
	var firstErr error
	if c.shared != nil {
		if err := c.shared.Close(); err != nil {
			firstErr = err
		}
	}
	if c.postgres != nil {
		if err := c.postgres.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
