package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"aurum/contexts/wallet-core/event-plane/adapters/memory"
	"aurum/contexts/wallet-core/event-plane/domain/entities"
	"aurum/contexts/wallet-core/event-plane/ports"
	"aurum/internal/shared/events"
)

type fixedClock struct {
	now time.Time
}

func (f fixedClock) Now() time.Time { return f.now }

type publishCall struct {
	destination string
	envelope    events.Envelope
}

// fakePublisher records publishes and fails the destinations listed in down.
type fakePublisher struct {
	calls []publishCall
	down  map[string]bool
}

func (p *fakePublisher) Publish(_ context.Context, destination string, envelope events.Envelope) error {
	p.calls = append(p.calls, publishCall{destination: destination, envelope: envelope})
	if p.down[destination] {
		return errors.New("broker unavailable")
	}
	return nil
}

func newDispatcher(store *memory.Store, publisher ports.Publisher) *OutboxDispatcher {
	return &OutboxDispatcher{
		Outbox:     store,
		Publisher:  publisher,
		Bindings:   events.WalletBindings(),
		Propagator: events.NewPropagator(),
		Clock:      fixedClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)},
		SourceURI:  "urn:aurum:wallet-core",
		BatchSize:  10,
	}
}

func TestRunOnceDrainsBatchInIDOrder(t *testing.T) {
	store := memory.NewStore()
	publisher := &fakePublisher{}
	dispatcher := newDispatcher(store, publisher)

	first, _ := store.Append(context.Background(), events.TypeWalletCreated, []byte(`{"wallet_id":"w-1"}`), "saga-1")
	second, _ := store.Append(context.Background(), events.TypeFundsAdded, []byte(`{"wallet_id":"w-1"}`), "saga-1")

	if err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if len(publisher.calls) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(publisher.calls))
	}
	if publisher.calls[0].destination != "wallet-created" || publisher.calls[1].destination != "funds-added" {
		t.Fatalf("destinations %v", publisher.calls)
	}

	envelope := publisher.calls[0].envelope
	if envelope.ID != "1" || envelope.Type != events.TypeWalletCreated || envelope.Source != "urn:aurum:wallet-core" {
		t.Fatalf("envelope header wrong: %+v", envelope)
	}
	if envelope.CorrelationID() != "saga-1" {
		t.Fatalf("correlation id %q", envelope.CorrelationID())
	}
	if _, ok := envelope.SendTimestamp(); !ok {
		t.Fatal("send timestamp missing")
	}

	for _, id := range []int64{first, second} {
		record, _ := store.Record(id)
		if !record.Sent {
			t.Fatalf("record %d still unsent", id)
		}
	}
}

func TestRunOnceSkipsUnboundTypesWithoutMarkingSent(t *testing.T) {
	store := memory.NewStore()
	publisher := &fakePublisher{}
	dispatcher := newDispatcher(store, publisher)

	id, _ := store.Append(context.Background(), "retiredEventProducer", []byte(`{}`), "saga-1")

	if err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(publisher.calls) != 0 {
		t.Fatalf("unbound type published: %v", publisher.calls)
	}
	record, _ := store.Record(id)
	if record.Sent {
		t.Fatal("unbound record marked sent")
	}
}

func TestPublishFailureStallsOnlyItsDestination(t *testing.T) {
	store := memory.NewStore()
	publisher := &fakePublisher{down: map[string]bool{"wallet-created": true}}
	dispatcher := newDispatcher(store, publisher)

	failing1, _ := store.Append(context.Background(), events.TypeWalletCreated, []byte(`{}`), "saga-1")
	healthy1, _ := store.Append(context.Background(), events.TypeFundsAdded, []byte(`{}`), "saga-1")
	failing2, _ := store.Append(context.Background(), events.TypeWalletCreated, []byte(`{}`), "saga-2")
	healthy2, _ := store.Append(context.Background(), events.TypeFundsAdded, []byte(`{}`), "saga-2")

	if err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("drain reported storage error: %v", err)
	}

	// One failed attempt for wallet-created, both funds-added go through;
	// the second wallet-created record is never attempted this tick.
	attempts := map[string]int{}
	for _, call := range publisher.calls {
		attempts[call.destination]++
	}
	if attempts["wallet-created"] != 1 || attempts["funds-added"] != 2 {
		t.Fatalf("attempts %v", attempts)
	}

	for id, wantSent := range map[int64]bool{failing1: false, failing2: false, healthy1: true, healthy2: true} {
		record, _ := store.Record(id)
		if record.Sent != wantSent {
			t.Fatalf("record %d sent=%v, want %v", id, record.Sent, wantSent)
		}
	}

	// Next tick with the broker back retries the stalled records in order.
	publisher.down = nil
	publisher.calls = nil
	if err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("recovery drain failed: %v", err)
	}
	if len(publisher.calls) != 2 || publisher.calls[0].envelope.ID != "1" || publisher.calls[1].envelope.ID != "3" {
		t.Fatalf("recovery publishes %v", publisher.calls)
	}
}

// brokenOutbox fails every scan; used to drive the degraded flag.
type brokenOutbox struct {
	healthy bool
	inner   *memory.Store
}

func (b *brokenOutbox) Append(ctx context.Context, eventType string, payload []byte, correlationID string) (int64, error) {
	return b.inner.Append(ctx, eventType, payload, correlationID)
}

func (b *brokenOutbox) WithinDrain(ctx context.Context, fn func(ctx context.Context, drain ports.OutboxDrain) error) error {
	return fn(ctx, b)
}

func (b *brokenOutbox) ListUnsent(ctx context.Context, limit int) ([]entities.OutboxRecord, error) {
	if !b.healthy {
		return nil, errors.New("storage offline")
	}
	return b.inner.ListUnsent(ctx, limit)
}

func (b *brokenOutbox) MarkSent(ctx context.Context, id int64) error {
	return b.inner.MarkSent(ctx, id)
}

func (b *brokenOutbox) CountUnsent(ctx context.Context) (int64, error) {
	return b.inner.CountUnsent(ctx)
}

// drainScopedOutbox rejects list/mark calls made outside a WithinDrain cycle,
// mirroring the reservation contract of the postgres adapter.
type drainScopedOutbox struct {
	*memory.Store
	inDrain bool
}

func (o *drainScopedOutbox) WithinDrain(ctx context.Context, fn func(ctx context.Context, drain ports.OutboxDrain) error) error {
	o.inDrain = true
	defer func() { o.inDrain = false }()
	return fn(ctx, o)
}

func (o *drainScopedOutbox) ListUnsent(ctx context.Context, limit int) ([]entities.OutboxRecord, error) {
	if !o.inDrain {
		return nil, errors.New("list unsent outside drain transaction")
	}
	return o.Store.ListUnsent(ctx, limit)
}

func (o *drainScopedOutbox) MarkSent(ctx context.Context, id int64) error {
	if !o.inDrain {
		return errors.New("mark sent outside drain transaction")
	}
	return o.Store.MarkSent(ctx, id)
}

func TestDrainListsAndMarksInsideOneReservation(t *testing.T) {
	store := memory.NewStore()
	outbox := &drainScopedOutbox{Store: store}
	publisher := &fakePublisher{}
	dispatcher := newDispatcher(store, publisher)
	dispatcher.Outbox = outbox

	id, _ := store.Append(context.Background(), events.TypeWalletCreated, []byte(`{}`), "saga-1")

	if err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(publisher.calls) != 1 {
		t.Fatalf("expected one publish, got %d", len(publisher.calls))
	}
	record, _ := store.Record(id)
	if !record.Sent {
		t.Fatal("record not marked sent within the drain cycle")
	}
}

func TestDegradedAfterConsecutiveScanFailures(t *testing.T) {
	outbox := &brokenOutbox{inner: memory.NewStore()}
	dispatcher := newDispatcher(memory.NewStore(), &fakePublisher{})
	dispatcher.Outbox = outbox

	for i := 0; i < degradedThreshold; i++ {
		if dispatcher.Degraded() {
			t.Fatalf("degraded after only %d failures", i)
		}
		if err := dispatcher.RunOnce(context.Background()); err == nil {
			t.Fatal("expected scan error")
		}
	}
	if !dispatcher.Degraded() {
		t.Fatal("not degraded after threshold")
	}

	outbox.healthy = true
	if err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("recovered scan failed: %v", err)
	}
	if dispatcher.Degraded() {
		t.Fatal("still degraded after a clean cycle")
	}
}
