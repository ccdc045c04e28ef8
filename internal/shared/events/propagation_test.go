package events

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func spanContext(t *testing.T) trace.SpanContext {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	if err != nil {
		t.Fatalf("trace id: %v", err)
	}
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	if err != nil {
		t.Fatalf("span id: %v", err)
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
}

func TestInjectWritesTraceparentAndSendTimestamp(t *testing.T) {
	propagator := NewPropagator()
	now := time.Date(2026, time.March, 1, 10, 30, 0, 0, time.UTC)
	ctx := trace.ContextWithSpanContext(context.Background(), spanContext(t))

	envelope := Envelope{ID: "1", Type: TypeWalletCreated}
	propagator.Inject(ctx, &envelope, now)

	traceparent, _ := envelope.Extensions[ExtTraceParent].(string)
	if traceparent != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("unexpected traceparent %q", traceparent)
	}
	if millis, ok := envelope.SendTimestamp(); !ok || millis != now.UnixMilli() {
		t.Fatalf("send timestamp not stamped: %d %v", millis, ok)
	}
}

func TestInjectWithoutActiveSpanStillStampsTimestamp(t *testing.T) {
	propagator := NewPropagator()
	now := time.Date(2026, time.March, 1, 10, 30, 0, 0, time.UTC)

	envelope := Envelope{ID: "1", Type: TypeWalletCreated}
	propagator.Inject(context.Background(), &envelope, now)

	if _, present := envelope.Extensions[ExtTraceParent]; present {
		t.Fatal("traceparent written without an active span")
	}
	if _, ok := envelope.SendTimestamp(); !ok {
		t.Fatal("send timestamp missing")
	}
}

func TestExtractContinuesRemoteTraceAndComputesLag(t *testing.T) {
	propagator := NewPropagator()
	now := time.Date(2026, time.March, 1, 10, 30, 0, 0, time.UTC)

	envelope := Envelope{ID: "1", Type: TypeWalletCreated}
	envelope.SetExtension(ExtTraceParent, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	envelope.SetExtension(ExtSendTimestamp, now.Add(-250*time.Millisecond).UnixMilli())

	ctx, lag, lagKnown := propagator.Extract(context.Background(), envelope, now)
	if !lagKnown || lag != 250*time.Millisecond {
		t.Fatalf("lag = %s known=%v, want 250ms", lag, lagKnown)
	}

	remote := trace.SpanContextFromContext(ctx)
	if !remote.IsValid() || !remote.IsRemote() {
		t.Fatalf("remote span context not extracted: %+v", remote)
	}
	if remote.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace id not continued: %s", remote.TraceID())
	}
}

func TestExtractToleratesMalformedTraceparent(t *testing.T) {
	propagator := NewPropagator()
	now := time.Date(2026, time.March, 1, 10, 30, 0, 0, time.UTC)

	envelope := Envelope{ID: "1", Type: TypeWalletCreated}
	envelope.SetExtension(ExtTraceParent, "garbage")

	ctx, _, lagKnown := propagator.Extract(context.Background(), envelope, now)
	if lagKnown {
		t.Fatal("lag reported without a send timestamp")
	}
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Fatal("span context extracted from malformed traceparent")
	}
}

func TestExtractClampsNegativeLag(t *testing.T) {
	propagator := NewPropagator()
	now := time.Date(2026, time.March, 1, 10, 30, 0, 0, time.UTC)

	envelope := Envelope{ID: "1", Type: TypeWalletCreated}
	envelope.SetExtension(ExtSendTimestamp, now.Add(time.Minute).UnixMilli())

	_, lag, lagKnown := propagator.Extract(context.Background(), envelope, now)
	if !lagKnown || lag != 0 {
		t.Fatalf("skewed clock lag = %s known=%v, want 0", lag, lagKnown)
	}
}
