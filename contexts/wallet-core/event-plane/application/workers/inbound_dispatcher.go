package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"aurum/contexts/wallet-core/event-plane/application"
	"aurum/contexts/wallet-core/event-plane/domain/entities"
	"aurum/contexts/wallet-core/event-plane/ports"
	"aurum/internal/platform/telemetry"
	"aurum/internal/shared/events"
)

const defaultInboundGroup = "wallet-core-saga-cg"

// forwardEventTypes lists the workflow events the saga consumes, in no
// particular order; ordering only matters within one destination.
var forwardEventTypes = []string{
	events.TypeWalletCreated,
	events.TypeFundsAdded,
	events.TypeFundsWithdrawn,
	events.TypeFundsTransferred,
}

// InboundDispatcher routes bus-delivered envelopes into the saga coordinator.
// A nil handler return acks the delivery; an error nacks it so the bus can
// redeliver and eventually dead-letter.
type InboundDispatcher struct {
	Subscriber    ports.Subscriber
	Coordinator   application.SagaCoordinator
	Bindings      events.BindingRegistry
	Propagator    events.Propagator
	Clock         ports.Clock
	ConsumerGroup string
	Logger        *slog.Logger
}

// Start subscribes the saga consumer group to every forward workflow
// destination. Subscriptions live until ctx is cancelled.
func (d InboundDispatcher) Start(ctx context.Context) error {
	logger := application.ResolveLogger(d.Logger)
	group := d.ConsumerGroup
	if group == "" {
		group = defaultInboundGroup
	}

	for _, eventType := range forwardEventTypes {
		destination, bound := d.Bindings.Resolve(eventType)
		if !bound {
			return fmt.Errorf("inbound dispatcher: %s: no binding", eventType)
		}
		if err := d.Subscriber.Subscribe(ctx, destination, group, d.handle); err != nil {
			logger.Error("inbound subscribe failed",
				"event", "inbound_subscribe_failed",
				"module", "wallet-core/event-plane",
				"layer", "worker",
				"destination", destination,
				"consumer_group", group,
				"error", err.Error(),
			)
			return err
		}
	}

	logger.Info("inbound dispatcher subscriptions active",
		"event", "inbound_dispatcher_started",
		"module", "wallet-core/event-plane",
		"layer", "worker",
		"consumer_group", group,
		"destinations", len(forwardEventTypes),
	)
	return nil
}

func (d InboundDispatcher) handle(ctx context.Context, envelope events.Envelope) error {
	logger := application.ResolveLogger(d.Logger)
	now := d.now()

	ctx, lag, lagKnown := d.Propagator.Extract(ctx, envelope, now)
	if lagKnown {
		telemetry.ConsumerLag.Observe(lag.Seconds())
	}
	ctx, span := otel.Tracer("aurum/wallet-core/event-plane").Start(ctx, "saga.consume "+envelope.Type)
	defer span.End()

	correlationID := envelope.CorrelationID()
	if correlationID == "" {
		// Nothing to correlate with: the workflow signal degenerates to a
		// failure notification and the delivery is complete.
		logger.Warn("envelope without correlation id",
			"event", "inbound_missing_correlation",
			"module", "wallet-core/event-plane",
			"layer", "worker",
			"envelope_id", envelope.ID,
			"envelope_type", envelope.Type,
		)
		return d.Coordinator.Handle(ctx, application.Command{
			SagaID:     "",
			Event:      entities.EventSagaFailed,
			EnvelopeID: envelope.ID,
			Reason:     "missing correlation id",
		})
	}

	sagaEvent, known := sagaEventForType(envelope.Type)
	if !known {
		// Foreign event type on a subscribed destination; stale producer.
		logger.Warn("unroutable envelope type acked",
			"event", "inbound_unroutable_type",
			"module", "wallet-core/event-plane",
			"layer", "worker",
			"envelope_id", envelope.ID,
			"envelope_type", envelope.Type,
		)
		return nil
	}

	if err := decodePayload(envelope.Type, envelope.Data); err != nil {
		telemetry.InboundDecodeFailures.Inc()
		span.RecordError(err)
		logger.Error("envelope payload decode failed",
			"event", "inbound_decode_failed",
			"module", "wallet-core/event-plane",
			"layer", "worker",
			"envelope_id", envelope.ID,
			"envelope_type", envelope.Type,
			"error", err.Error(),
		)
		// Nack: the bus redelivers and dead-letters after its attempt cap.
		return err
	}

	if err := d.Coordinator.Handle(ctx, application.Command{
		SagaID:     correlationID,
		Event:      sagaEvent,
		EnvelopeID: envelope.ID,
	}); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (d InboundDispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func sagaEventForType(eventType string) (entities.SagaEvent, bool) {
	switch eventType {
	case events.TypeWalletCreated:
		return entities.EventWalletCreated, true
	case events.TypeFundsAdded:
		return entities.EventFundsAdded, true
	case events.TypeFundsWithdrawn:
		return entities.EventFundsWithdrawn, true
	case events.TypeFundsTransferred:
		return entities.EventFundsTransferred, true
	default:
		return "", false
	}
}

// decodePayload validates the payload against the declared shape for the
// type. The saga only needs the envelope header, but a payload that does not
// parse is a protocol error that belongs in the DLQ, not in the workflow.
func decodePayload(eventType string, data []byte) error {
	var target any
	switch eventType {
	case events.TypeWalletCreated:
		target = &entities.WalletCreated{}
	case events.TypeFundsAdded:
		target = &entities.FundsAdded{}
	case events.TypeFundsWithdrawn:
		target = &entities.FundsWithdrawn{}
	case events.TypeFundsTransferred:
		target = &entities.FundsTransferred{}
	default:
		target = &map[string]any{}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return nil
}
