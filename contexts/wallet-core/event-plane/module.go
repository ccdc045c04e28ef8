package eventplane

import (
	"log/slog"
	"time"

	"aurum/contexts/wallet-core/event-plane/adapters/memory"
	"aurum/contexts/wallet-core/event-plane/application"
	"aurum/contexts/wallet-core/event-plane/application/workers"
	"aurum/contexts/wallet-core/event-plane/ports"
	"aurum/internal/shared/events"
)

// Module bundles the event-plane services the worker process runs.
type Module struct {
	Coordinator application.SagaCoordinator
	Recorder    application.EventRecorder
	Dispatcher  *workers.OutboxDispatcher
	Inbound     workers.InboundDispatcher
	Reaper      workers.SagaReaper
	Store       *memory.Store
}

type Dependencies struct {
	Outbox        ports.OutboxStore
	Sagas         ports.SagaStore
	UnitOfWork    ports.UnitOfWork
	Publisher     ports.Publisher
	Subscriber    ports.Subscriber
	Bindings      events.BindingRegistry
	Clock         ports.Clock
	IDs           ports.IDGenerator
	SourceURI     string
	BatchSize     int
	SagaTimeout   time.Duration
	RetryCap      int
	ConsumerGroup string
	Logger        *slog.Logger
}

func NewModule(deps Dependencies) Module {
	propagator := events.NewPropagator()
	coordinator := application.SagaCoordinator{
		Sagas:    deps.Sagas,
		Outbox:   deps.Outbox,
		Clock:    deps.Clock,
		RetryCap: deps.RetryCap,
		Logger:   deps.Logger,
	}
	return Module{
		Coordinator: coordinator,
		Recorder: application.EventRecorder{
			UnitOfWork: deps.UnitOfWork,
			IDs:        deps.IDs,
			Logger:     deps.Logger,
		},
		Dispatcher: &workers.OutboxDispatcher{
			Outbox:     deps.Outbox,
			Publisher:  deps.Publisher,
			Bindings:   deps.Bindings,
			Propagator: propagator,
			Clock:      deps.Clock,
			SourceURI:  deps.SourceURI,
			BatchSize:  deps.BatchSize,
			Logger:     deps.Logger,
		},
		Inbound: workers.InboundDispatcher{
			Subscriber:    deps.Subscriber,
			Coordinator:   coordinator,
			Bindings:      deps.Bindings,
			Propagator:    propagator,
			Clock:         deps.Clock,
			ConsumerGroup: deps.ConsumerGroup,
			Logger:        deps.Logger,
		},
		Reaper: workers.SagaReaper{
			Sagas:       deps.Sagas,
			Coordinator: coordinator,
			Clock:       deps.Clock,
			Timeout:     deps.SagaTimeout,
			Logger:      deps.Logger,
		},
	}
}

// NewInMemoryModule wires the module over the memory store; used by tests and
// local runs without postgres.
func NewInMemoryModule(publisher ports.Publisher, subscriber ports.Subscriber, logger *slog.Logger) Module {
	store := memory.NewStore()
	module := NewModule(Dependencies{
		Outbox:      store,
		Sagas:       store,
		UnitOfWork:  store,
		Publisher:   publisher,
		Subscriber:  subscriber,
		Bindings:    events.WalletBindings(),
		Clock:       store,
		IDs:         store,
		SourceURI:   "urn:aurum:wallet-core",
		BatchSize:   100,
		SagaTimeout: 30 * time.Minute,
		RetryCap:    3,
		Logger:      logger,
	})
	module.Store = store
	return module
}
