package events

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// Propagator bridges in-process trace context and envelope extensions using
// the W3C Trace Context format. The envelope itself is the carrier, so trace
// continuity never depends on goroutine-local state surviving a hand-off.
type Propagator struct {
	tc propagation.TraceContext
}

func NewPropagator() Propagator {
	return Propagator{}
}

// Inject writes traceparent/tracestate from ctx into the envelope when an
// active span context exists, and always stamps sendtimestamp.
func (p Propagator) Inject(ctx context.Context, envelope *Envelope, now time.Time) {
	p.tc.Inject(ctx, envelopeCarrier{envelope: envelope})
	envelope.SetExtension(ExtSendTimestamp, now.UnixMilli())
}

// Extract returns the continuation context for a received envelope and the
// producer-to-consumer lag. A malformed traceparent yields ctx unchanged; a
// missing sendtimestamp yields lagKnown=false.
func (p Propagator) Extract(ctx context.Context, envelope Envelope, now time.Time) (context.Context, time.Duration, bool) {
	extracted := p.tc.Extract(ctx, envelopeCarrier{envelope: &envelope})

	millis, ok := envelope.SendTimestamp()
	if !ok {
		return extracted, 0, false
	}
	lag := now.Sub(time.UnixMilli(millis))
	if lag < 0 {
		lag = 0
	}
	return extracted, lag, true
}

// envelopeCarrier adapts envelope extensions to the otel TextMapCarrier
// contract. Keys are already lowercase on both sides.
type envelopeCarrier struct {
	envelope *Envelope
}

func (c envelopeCarrier) Get(key string) string {
	value, _ := c.envelope.Extensions[key].(string)
	return value
}

func (c envelopeCarrier) Set(key, value string) {
	c.envelope.SetExtension(key, value)
}

func (c envelopeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.envelope.Extensions))
	for key := range c.envelope.Extensions {
		keys = append(keys, key)
	}
	return keys
}
