package eventplane

import (
	"context"
	"strconv"
	"testing"
	"time"

	"aurum/contexts/wallet-core/event-plane/domain/entities"
	"aurum/internal/platform/messaging"
	"aurum/internal/shared/events"
)

func waitForState(t *testing.T, module Module, sagaID string, want entities.SagaState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		instance, found, err := module.Store.Load(context.Background(), sagaID)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if found && instance.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	instance, found, _ := module.Store.Load(context.Background(), sagaID)
	t.Fatalf("saga %s never reached %s (found=%v state=%s)", sagaID, want, found, instance.State)
}

// Full round trip: domain events recorded through the outbox, drained to the
// bus, consumed back into the saga, finishing in COMPLETED.
func TestRecordedEventsDriveSagaToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := messaging.NewInProcBus(3, nil)
	module := NewInMemoryModule(bus, bus, nil)
	if err := module.Inbound.Start(ctx); err != nil {
		t.Fatalf("inbound start failed: %v", err)
	}

	steps := []struct {
		record func() error
		state  entities.SagaState
	}{
		{func() error {
			return module.Recorder.RecordWalletCreated(ctx, entities.WalletCreated{WalletID: "w-1", CorrelationID: "saga-1"})
		}, entities.StateWalletCreated},
		{func() error {
			return module.Recorder.RecordFundsAdded(ctx, entities.FundsAdded{WalletID: "w-1", Amount: "10", Asset: "BTC", CorrelationID: "saga-1"})
		}, entities.StateFundsAdded},
		{func() error {
			return module.Recorder.RecordFundsWithdrawn(ctx, entities.FundsWithdrawn{WalletID: "w-1", Amount: "10", Asset: "BTC", CorrelationID: "saga-1"})
		}, entities.StateFundsWithdrawn},
		{func() error {
			return module.Recorder.RecordFundsTransferred(ctx, entities.FundsTransferred{FromWalletID: "w-1", ToWalletID: "w-2", Amount: "10", Asset: "BTC", CorrelationID: "saga-1"})
		}, entities.StateCompleted},
	}

	for i, step := range steps {
		if err := step.record(); err != nil {
			t.Fatalf("record step %d failed: %v", i, err)
		}
		if err := module.Dispatcher.RunOnce(ctx); err != nil {
			t.Fatalf("dispatch step %d failed: %v", i, err)
		}
		waitForState(t, module, "saga-1", step.state)
	}

	count, err := module.Store.CountUnsent(ctx)
	if err != nil || count != 0 {
		t.Fatalf("outbox not drained: %d %v", count, err)
	}
}

// Redelivering an already dispatched envelope must not double-apply.
func TestRedeliveredEnvelopeDoesNotDoubleApply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := messaging.NewInProcBus(3, nil)
	module := NewInMemoryModule(bus, bus, nil)
	if err := module.Inbound.Start(ctx); err != nil {
		t.Fatalf("inbound start failed: %v", err)
	}

	if err := module.Recorder.RecordWalletCreated(ctx, entities.WalletCreated{WalletID: "w-1", CorrelationID: "saga-1"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := module.Dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	waitForState(t, module, "saga-1", entities.StateWalletCreated)

	// Simulate a redelivery of the same outbox record: same envelope id.
	records, err := module.Store.ListUnsent(ctx, 10)
	if err != nil || len(records) != 0 {
		t.Fatalf("unexpected unsent rows: %d %v", len(records), err)
	}
	record, ok := module.Store.Record(1)
	if !ok {
		t.Fatal("outbox record missing")
	}
	envelope := redeliveryEnvelope(t, record)
	if err := bus.Publish(ctx, "wallet-created", envelope); err != nil {
		t.Fatalf("redeliver failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	instance, _, err := module.Store.Load(ctx, "saga-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if instance.State != entities.StateWalletCreated || instance.Version != 1 {
		t.Fatalf("redelivery double-applied: state=%s version=%d", instance.State, instance.Version)
	}
}

func redeliveryEnvelope(t *testing.T, record entities.OutboxRecord) events.Envelope {
	t.Helper()
	envelope := events.Envelope{
		ID:     strconv.FormatInt(record.ID, 10),
		Type:   record.EventType,
		Source: "urn:aurum:wallet-core",
		Time:   record.CreatedAt,
		Data:   record.Payload,
	}
	envelope.SetExtension(events.ExtCorrelationID, record.CorrelationID)
	envelope.SetExtension(events.ExtSendTimestamp, time.Now().UnixMilli())
	return envelope
}
