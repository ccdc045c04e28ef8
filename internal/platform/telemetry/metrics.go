package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbox metrics
	OutboxSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurum_outbox_sent_total",
			Help: "Outbox records acknowledged by the broker, by binding",
		},
		[]string{"binding"},
	)

	OutboxSendFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurum_outbox_send_failed_total",
			Help: "Outbox publish attempts that failed, by binding",
		},
		[]string{"binding"},
	)

	OutboxUnknownType = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurum_outbox_unknown_type_total",
			Help: "Outbox records skipped because the event type has no binding",
		},
		[]string{"event_type"},
	)

	OutboxUnsent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurum_outbox_unsent_records",
			Help: "Outbox records currently awaiting publication",
		},
	)

	// Saga metrics
	SagaTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurum_saga_transitions_total",
			Help: "Accepted saga transitions by from-state, to-state and event",
		},
		[]string{"from", "to", "event"},
	)

	SagaInvalidTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurum_saga_invalid_transitions_total",
			Help: "Inbound events rejected because no transition is declared",
		},
	)

	SagaCompensationsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurum_saga_compensations_started_total",
			Help: "Saga instances that entered compensation",
		},
	)

	SagaTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurum_saga_timeouts_total",
			Help: "Saga instances failed by the timeout reaper",
		},
	)

	// Messaging metrics
	ConsumerLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aurum_consumer_lag_seconds",
			Help:    "Producer-to-consumer lag derived from the sendtimestamp extension",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
		},
	)

	InboundDecodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurum_inbound_decode_failures_total",
			Help: "Envelopes whose payload could not be deserialized",
		},
	)

	BusDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurum_bus_dead_lettered_total",
			Help: "Envelopes routed to a dead-letter destination after the attempt cap",
		},
		[]string{"destination"},
	)
)

// Register installs all collectors into the default registry. Call once from
// the composition root.
func Register() {
	prometheus.MustRegister(
		OutboxSent,
		OutboxSendFailed,
		OutboxUnknownType,
		OutboxUnsent,
		SagaTransitions,
		SagaInvalidTransitions,
		SagaCompensationsStarted,
		SagaTimeouts,
		ConsumerLag,
		InboundDecodeFailures,
		BusDeadLettered,
	)
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
