package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"aurum/internal/platform/telemetry"
	"aurum/internal/shared/events"
)

const (
	// StreamWalletEvents is the durable stream carrying every wallet
	// workflow envelope.
	StreamWalletEvents = "WALLET_EVENTS"
	// subjectRoot is the wildcard subject hierarchy owned by the stream.
	subjectRoot = "wallet-events"

	// ackWait bounds how long a delivery may stay outstanding before
	// JetStream redelivers it.
	ackWait = 30 * time.Second
)

// NATSBus is the JetStream adapter behind the Publisher/Subscriber ports.
// Destinations map to subjects under wallet-events.>; publish acks reflect
// JetStream durability; subscriptions are durable pull consumers so replicas
// of one group compete for messages.
type NATSBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	attemptCap int
	logger     *slog.Logger
}

func NewNATSBus(url string, attemptCap int, logger *slog.Logger) (*NATSBus, error) {
	if attemptCap <= 0 {
		attemptCap = defaultAttemptCap
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	bus := &NATSBus{
		conn:       conn,
		js:         js,
		attemptCap: attemptCap,
		logger:     logger,
	}
	if err := bus.provisionStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return bus, nil
}

// provisionStream idempotently creates the wallet event stream.
func (b *NATSBus) provisionStream() error {
	_, err := b.js.StreamInfo(StreamWalletEvents)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("check stream info: %w", err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      StreamWalletEvents,
		Subjects:  []string{subjectRoot + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	b.logger.Info("nats stream provisioned",
		"event", "nats_stream_provisioned",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"stream", StreamWalletEvents,
	)
	return nil
}

func (b *NATSBus) Publish(ctx context.Context, destination string, envelope events.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", envelope.ID, err)
	}
	// Synchronous publish: returns only after JetStream has persisted the
	// message, which is exactly the ack the outbox dispatcher needs.
	if _, err := b.js.Publish(subjectFor(destination), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(
	ctx context.Context,
	destination string,
	group string,
	handler func(context.Context, events.Envelope) error,
) error {
	// One outstanding delivery per consumer: a naked message blocks the
	// stream position until it is redelivered, so publish order within the
	// (destination, group) pair survives handler failures.
	sub, err := b.js.PullSubscribe(
		subjectFor(destination),
		durableName(destination, group),
		nats.BindStream(StreamWalletEvents),
		nats.MaxAckPending(1),
		nats.AckWait(ackWait),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe %s/%s: %w", destination, group, err)
	}

	b.logger.Info("nats consumer initialised",
		"event", "nats_consumer_started",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"destination", destination,
		"consumer_group", group,
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				msgs, err := sub.Fetch(1, nats.Context(ctx))
				if err != nil {
					// Timeouts on an empty queue are routine, not errors.
					continue
				}
				for _, msg := range msgs {
					b.process(ctx, destination, group, msg, handler)
				}
			}
		}
	}()
	return nil
}

// process handles one message: malformed envelopes terminate straight away,
// handler failures nack until the delivery count reaches the attempt cap,
// then the envelope moves to the dead-letter subject.
func (b *NATSBus) process(
	ctx context.Context,
	destination string,
	group string,
	msg *nats.Msg,
	handler func(context.Context, events.Envelope) error,
) {
	var envelope events.Envelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		b.logger.Warn("terminating malformed envelope",
			"event", "nats_envelope_malformed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"destination", destination,
			"error", err.Error(),
		)
		_ = msg.Term()
		return
	}

	if err := handler(ctx, envelope); err != nil {
		deliveries := uint64(1)
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			deliveries = meta.NumDelivered
		}
		if deliveries >= uint64(b.attemptCap) {
			telemetry.BusDeadLettered.WithLabelValues(destination).Inc()
			b.logger.Error("envelope dead-lettered",
				"event", "nats_dead_lettered",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"destination", destination,
				"consumer_group", group,
				"envelope_id", envelope.ID,
				"deliveries", deliveries,
			)
			if _, pubErr := b.js.Publish(subjectFor(destination+DLQSuffix), msg.Data, nats.Context(ctx)); pubErr != nil {
				b.logger.Error("dead-letter publish failed",
					"event", "nats_dlq_publish_failed",
					"module", "internal/platform/messaging",
					"layer", "platform",
					"destination", destination,
					"envelope_id", envelope.ID,
					"error", pubErr.Error(),
				)
				_ = msg.Nak()
				return
			}
			_ = msg.Term()
			return
		}
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// Close drains the connection so in-flight publishes and deliveries flush
// before the process exits.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

func subjectFor(destination string) string {
	return subjectRoot + "." + strings.ReplaceAll(destination, ".", "-")
}

func durableName(destination string, group string) string {
	return strings.ReplaceAll(group+"-"+destination, ".", "-")
}
