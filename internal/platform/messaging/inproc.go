package messaging

import (
	"context"
	"log/slog"
	"sync"

	"aurum/internal/platform/telemetry"
	"aurum/internal/shared/events"
)

const (
	defaultAttemptCap = 3
	groupQueueDepth   = 1024

	// DLQSuffix names the dead-letter destination derived from a source
	// destination after the attempt cap is exhausted.
	DLQSuffix = ".dlq"
)

// InProcBus is the in-process bus used by tests and single-node runs. It
// keeps the broker contract the workers rely on: publish returns after the
// envelope is durably queued for every subscribed group, each
// (destination, group) pair processes strictly in order, groups compete
// internally, and a handler that keeps failing sends the envelope to
// <destination>.dlq after the attempt cap.
type InProcBus struct {
	mu         sync.Mutex
	groups     map[string]map[string]*groupSubscription
	AttemptCap int
	Logger     *slog.Logger
}

type groupSubscription struct {
	handlers []func(context.Context, events.Envelope) error
	next     int
	queue    chan events.Envelope
}

func NewInProcBus(attemptCap int, logger *slog.Logger) *InProcBus {
	if attemptCap <= 0 {
		attemptCap = defaultAttemptCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcBus{
		groups:     make(map[string]map[string]*groupSubscription),
		AttemptCap: attemptCap,
		Logger:     logger,
	}
}

func (b *InProcBus) Publish(ctx context.Context, destination string, envelope events.Envelope) error {
	b.mu.Lock()
	subs := make([]*groupSubscription, 0, len(b.groups[destination]))
	for _, sub := range b.groups[destination] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub.queue <- envelope:
			// Full queues block: the publisher slows down instead of
			// dropping, which is the back-pressure the dispatcher expects.
		}
	}

	b.Logger.Debug("envelope published",
		"event", "bus_publish",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"destination", destination,
		"envelope_id", envelope.ID,
		"envelope_type", envelope.Type,
	)
	return nil
}

func (b *InProcBus) Subscribe(
	ctx context.Context,
	destination string,
	group string,
	handler func(context.Context, events.Envelope) error,
) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	byGroup, ok := b.groups[destination]
	if !ok {
		byGroup = make(map[string]*groupSubscription)
		b.groups[destination] = byGroup
	}
	sub, ok := byGroup[group]
	if !ok {
		sub = &groupSubscription{queue: make(chan events.Envelope, groupQueueDepth)}
		byGroup[group] = sub
		go b.consume(ctx, destination, group, sub)
	}
	sub.handlers = append(sub.handlers, handler)
	return nil
}

// consume is the single delivery loop for one (destination, group) pair, so
// ordering within the pair is structural rather than best-effort.
func (b *InProcBus) consume(ctx context.Context, destination string, group string, sub *groupSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-sub.queue:
			b.deliver(ctx, destination, group, sub, envelope)
		}
	}
}

func (b *InProcBus) deliver(ctx context.Context, destination string, group string, sub *groupSubscription, envelope events.Envelope) {
	for attempt := 1; ; attempt++ {
		handler := b.pickHandler(sub)
		if handler == nil {
			return
		}
		err := handler(ctx, envelope)
		if err == nil {
			return
		}
		b.Logger.Warn("handler rejected envelope",
			"event", "bus_delivery_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"destination", destination,
			"consumer_group", group,
			"envelope_id", envelope.ID,
			"attempt", attempt,
			"error", err.Error(),
		)
		if attempt >= b.AttemptCap {
			telemetry.BusDeadLettered.WithLabelValues(destination).Inc()
			b.Logger.Error("envelope dead-lettered",
				"event", "bus_dead_lettered",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"destination", destination,
				"consumer_group", group,
				"envelope_id", envelope.ID,
			)
			if err := b.Publish(ctx, destination+DLQSuffix, envelope); err != nil {
				b.Logger.Error("dead-letter publish failed",
					"event", "bus_dlq_publish_failed",
					"module", "internal/platform/messaging",
					"layer", "platform",
					"destination", destination,
					"envelope_id", envelope.ID,
					"error", err.Error(),
				)
			}
			return
		}
	}
}

// pickHandler rotates across a group's handlers (competing consumers).
func (b *InProcBus) pickHandler(sub *groupSubscription) func(context.Context, events.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(sub.handlers) == 0 {
		return nil
	}
	handler := sub.handlers[sub.next%len(sub.handlers)]
	sub.next++
	return handler
}
