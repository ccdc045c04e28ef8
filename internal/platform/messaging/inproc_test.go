package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"aurum/internal/shared/events"
)

func envelope(id string) events.Envelope {
	e := events.Envelope{ID: id, Type: events.TypeWalletCreated, Source: "urn:aurum:wallet-core"}
	e.SetExtension(events.ExtSendTimestamp, int64(1772360100000))
	return e
}

func receive(t *testing.T, ch <-chan events.Envelope) events.Envelope {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return events.Envelope{}
	}
}

func TestDeliveryPreservesPublishOrderWithinGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInProcBus(3, nil)
	got := make(chan events.Envelope, 10)
	err := bus.Subscribe(ctx, "wallet-created", "saga-cg", func(_ context.Context, e events.Envelope) error {
		got <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "wallet-created", envelope(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		if e := receive(t, got); e.ID != fmt.Sprintf("%d", i) {
			t.Fatalf("delivery %d got envelope %s", i, e.ID)
		}
	}
}

func TestEachGroupReceivesItsOwnCopy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInProcBus(3, nil)
	groupA := make(chan events.Envelope, 1)
	groupB := make(chan events.Envelope, 1)
	bus.Subscribe(ctx, "wallet-created", "group-a", func(_ context.Context, e events.Envelope) error {
		groupA <- e
		return nil
	})
	bus.Subscribe(ctx, "wallet-created", "group-b", func(_ context.Context, e events.Envelope) error {
		groupB <- e
		return nil
	})

	if err := bus.Publish(ctx, "wallet-created", envelope("1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if e := receive(t, groupA); e.ID != "1" {
		t.Fatalf("group-a got %s", e.ID)
	}
	if e := receive(t, groupB); e.ID != "1" {
		t.Fatalf("group-b got %s", e.ID)
	}
}

func TestHandlersWithinGroupCompeteForDeliveries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInProcBus(3, nil)
	deliveries := make(chan string, 10)
	for _, name := range []string{"replica-1", "replica-2"} {
		replica := name
		bus.Subscribe(ctx, "wallet-created", "saga-cg", func(_ context.Context, e events.Envelope) error {
			deliveries <- replica + ":" + e.ID
			return nil
		})
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		if err := bus.Publish(ctx, "wallet-created", envelope(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		select {
		case delivery := <-deliveries:
			seen[delivery]++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d deliveries", i)
		}
	}

	total := 0
	for _, n := range seen {
		total += n
	}
	if total != 4 {
		t.Fatalf("expected 4 deliveries total, got %v", seen)
	}
}

func TestRepeatedHandlerFailureDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInProcBus(2, nil)
	attempts := make(chan struct{}, 10)
	bus.Subscribe(ctx, "wallet-created", "saga-cg", func(_ context.Context, _ events.Envelope) error {
		attempts <- struct{}{}
		return errors.New("handler rejects")
	})

	dead := make(chan events.Envelope, 1)
	bus.Subscribe(ctx, "wallet-created"+DLQSuffix, "dlq-inspector", func(_ context.Context, e events.Envelope) error {
		dead <- e
		return nil
	})

	if err := bus.Publish(ctx, "wallet-created", envelope("poison")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if e := receive(t, dead); e.ID != "poison" {
		t.Fatalf("dead letter carries %s", e.ID)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected exactly 2 attempts before dead-lettering, got %d", len(attempts))
	}
}
