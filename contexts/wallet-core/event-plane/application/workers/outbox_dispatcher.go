package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"aurum/contexts/wallet-core/event-plane/application"
	"aurum/contexts/wallet-core/event-plane/ports"
	"aurum/internal/platform/telemetry"
	"aurum/internal/shared/events"
)

const (
	defaultDispatchBatchSize = 100

	// degradedThreshold is the number of consecutive failed drain cycles
	// after which the dispatcher reports itself unhealthy.
	degradedThreshold = 3
)

// OutboxDispatcher drains unsent outbox records to the bus. Each record is
// independent: a publish failure leaves the record unsent for the next tick
// and only blocks later records bound for the same destination, so per-
// destination id order survives partial outages.
type OutboxDispatcher struct {
	Outbox     ports.OutboxStore
	Publisher  ports.Publisher
	Bindings   events.BindingRegistry
	Propagator events.Propagator
	Clock      ports.Clock
	SourceURI  string
	BatchSize  int
	Logger     *slog.Logger

	storageFailures atomic.Int32
}

// RunOnce drains one bounded batch. The whole cycle runs inside one storage
// transaction so the row reservation holds from list to mark. The returned
// error reports storage trouble only; publish failures are absorbed per
// record.
func (d *OutboxDispatcher) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(d.Logger)
	limit := d.BatchSize
	if limit <= 0 {
		limit = defaultDispatchBatchSize
	}

	err := d.Outbox.WithinDrain(ctx, func(ctx context.Context, drain ports.OutboxDrain) error {
		return d.drain(ctx, drain, limit)
	})
	if err != nil {
		failures := d.storageFailures.Add(1)
		logger.Error("outbox drain cycle failed",
			"event", "outbox_drain_failed",
			"module", "wallet-core/event-plane",
			"layer", "worker",
			"consecutive_failures", failures,
			"error", err.Error(),
		)
		return err
	}
	d.storageFailures.Store(0)

	if unsent, err := d.Outbox.CountUnsent(ctx); err == nil {
		telemetry.OutboxUnsent.Set(float64(unsent))
	}
	return nil
}

func (d *OutboxDispatcher) drain(ctx context.Context, outbox ports.OutboxDrain, limit int) error {
	logger := application.ResolveLogger(d.Logger)

	records, err := outbox.ListUnsent(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	now := d.now()
	// Destinations with a failed publish this tick; later records bound for
	// them are held back to preserve per-destination id order.
	stalled := make(map[string]struct{})

	for _, record := range records {
		destination, bound := d.Bindings.Resolve(record.EventType)
		if !bound {
			telemetry.OutboxUnknownType.WithLabelValues(record.EventType).Inc()
			logger.Warn("outbox record has no binding",
				"event", "outbox_unknown_type",
				"module", "wallet-core/event-plane",
				"layer", "worker",
				"outbox_id", record.ID,
				"event_type", record.EventType,
			)
			continue
		}
		if _, blocked := stalled[destination]; blocked {
			continue
		}

		envelope := events.Envelope{
			ID:     strconv.FormatInt(record.ID, 10),
			Type:   record.EventType,
			Source: d.SourceURI,
			Time:   record.CreatedAt.UTC(),
			Data:   record.Payload,
		}
		if record.CorrelationID != "" {
			envelope.SetExtension(events.ExtCorrelationID, record.CorrelationID)
		}
		d.Propagator.Inject(ctx, &envelope, now)

		if err := envelope.Validate(); err != nil {
			telemetry.OutboxSendFailed.WithLabelValues(destination).Inc()
			logger.Error("outbox envelope rejected before publish",
				"event", "outbox_envelope_invalid",
				"module", "wallet-core/event-plane",
				"layer", "worker",
				"outbox_id", record.ID,
				"error", err.Error(),
			)
			stalled[destination] = struct{}{}
			continue
		}

		if err := d.Publisher.Publish(ctx, destination, envelope); err != nil {
			telemetry.OutboxSendFailed.WithLabelValues(destination).Inc()
			logger.Error("outbox publish failed",
				"event", "outbox_publish_failed",
				"module", "wallet-core/event-plane",
				"layer", "worker",
				"outbox_id", record.ID,
				"destination", destination,
				"error", err.Error(),
			)
			stalled[destination] = struct{}{}
			continue
		}

		if err := outbox.MarkSent(ctx, record.ID); err != nil {
			// The drain transaction is unusable after a failed update; roll
			// the cycle back. The broker already has the envelope, and
			// at-least-once absorbs the republish next tick.
			logger.Error("outbox mark sent failed",
				"event", "outbox_mark_sent_failed",
				"module", "wallet-core/event-plane",
				"layer", "worker",
				"outbox_id", record.ID,
				"error", err.Error(),
			)
			return fmt.Errorf("mark outbox record %d sent: %w", record.ID, err)
		}
		telemetry.OutboxSent.WithLabelValues(destination).Inc()
	}
	return nil
}

// Degraded reports whether repeated storage errors have made the dispatcher
// unhealthy. The readiness probe keys off this.
func (d *OutboxDispatcher) Degraded() bool {
	return d.storageFailures.Load() >= degradedThreshold
}

func (d *OutboxDispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
