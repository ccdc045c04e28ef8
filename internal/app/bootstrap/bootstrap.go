package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	eventplane "aurum/contexts/wallet-core/event-plane"
	postgresadapter "aurum/contexts/wallet-core/event-plane/adapters/postgres"
	"aurum/internal/platform/config"
	"aurum/internal/platform/db"
	"aurum/internal/platform/httpserver"
	"aurum/internal/platform/messaging"
	"aurum/internal/platform/telemetry"
	"aurum/internal/shared/events"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type WorkerApp struct {
	postgres     *db.Postgres
	bus          *messaging.NATSBus
	server       *httpserver.Server
	module       eventplane.Module
	tickInterval time.Duration
	logger       *slog.Logger

	tracerShutdown func(context.Context) error
}

// BuildWorker wires the full event plane: postgres-backed outbox and saga
// stores, the JetStream bus, the dispatcher/inbound/reaper workers and the
// operational HTTP surface.
func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	telemetry.Register()

	var tracerShutdown func(context.Context) error
	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("tracer init failed",
				"event", "bootstrap_tracer_init_failed",
				"module", "internal/app/bootstrap",
				"layer", "platform",
				"error", err.Error(),
			)
		} else {
			tracerShutdown = tp.Shutdown
		}
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	repo := postgresadapter.NewRepository(pg.DB, logger)
	if err := repo.Migrate(context.Background()); err != nil {
		_ = pg.Close()
		return nil, err
	}

	bus, err := messaging.NewNATSBus(cfg.NATSURL, cfg.BusDLQAttemptCap, logger)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}

	module := eventplane.NewModule(eventplane.Dependencies{
		Outbox:      repo,
		Sagas:       repo,
		UnitOfWork:  repo,
		Publisher:   bus,
		Subscriber:  bus,
		Bindings:    events.WalletBindings(),
		Clock:       postgresadapter.SystemClock{},
		IDs:         postgresadapter.UUIDGenerator{},
		SourceURI:   cfg.DispatcherSourceURI,
		BatchSize:   cfg.DispatcherBatchSize,
		SagaTimeout: cfg.SagaTimeout,
		RetryCap:    cfg.SagaOptimisticRetryCap,
		Logger:      logger,
	})

	return &WorkerApp{
		postgres:       pg,
		bus:            bus,
		server:         httpserver.New(module.Dispatcher, logger, normalizeAddr(cfg.HTTPPort)),
		module:         module,
		tickInterval:   cfg.DispatcherTickInterval,
		logger:         logger,
		tracerShutdown: tracerShutdown,
	}, nil
}

func (w *WorkerApp) Run(ctx context.Context) error {
	if err := w.module.Inbound.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := w.server.Start(); err != nil {
			w.logger.Error("http server stopped",
				"event", "bootstrap_http_server_stopped",
				"module", "internal/app/bootstrap",
				"layer", "platform",
				"error", err.Error(),
			)
		}
	}()

	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"tick_interval", w.tickInterval.String(),
	)

	for {
		if err := w.module.Dispatcher.RunOnce(ctx); err != nil {
			// Storage trouble flips the dispatcher's degraded flag and the
			// readiness probe; the loop keeps ticking toward recovery.
			w.logger.Error("dispatcher cycle failed",
				"event", "bootstrap_dispatch_cycle_failed",
				"module", "internal/app/bootstrap",
				"layer", "platform",
				"error", err.Error(),
			)
		}
		if err := w.module.Reaper.RunOnce(ctx); err != nil {
			w.logger.Error("reaper cycle failed",
				"event", "bootstrap_reaper_cycle_failed",
				"module", "internal/app/bootstrap",
				"layer", "platform",
				"error", err.Error(),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *WorkerApp) Close() error {
	if w.bus != nil {
		w.bus.Close()
	}
	if w.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.tracerShutdown(ctx)
	}
	if w.postgres != nil {
		return w.postgres.Close()
	}
	return nil
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
