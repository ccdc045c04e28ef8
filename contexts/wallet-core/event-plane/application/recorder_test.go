package application

import (
	"context"
	"testing"

	"aurum/contexts/wallet-core/event-plane/adapters/memory"
	"aurum/contexts/wallet-core/event-plane/domain/entities"
	"aurum/internal/shared/events"
)

func TestRecordWalletCreatedStagesOutboxRow(t *testing.T) {
	store := memory.NewStore()
	recorder := EventRecorder{UnitOfWork: store}

	err := recorder.RecordWalletCreated(context.Background(), entities.WalletCreated{
		WalletID:      "w-1",
		OwnerID:       "user-1",
		CorrelationID: "saga-1",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	records, err := store.ListUnsent(context.Background(), 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one staged record, got %d (%v)", len(records), err)
	}
	if records[0].EventType != events.TypeWalletCreated {
		t.Fatalf("event type %s", records[0].EventType)
	}
	if records[0].CorrelationID != "saga-1" {
		t.Fatalf("correlation id %s", records[0].CorrelationID)
	}
}

func TestBeginWorkflowMintsDistinctCorrelationIDs(t *testing.T) {
	store := memory.NewStore()
	recorder := EventRecorder{UnitOfWork: store, IDs: store}

	first, err := recorder.BeginWorkflow(context.Background())
	if err != nil || first == "" {
		t.Fatalf("first mint failed: %q %v", first, err)
	}
	second, err := recorder.BeginWorkflow(context.Background())
	if err != nil || second == first {
		t.Fatalf("second mint not distinct: %q %v", second, err)
	}
}

func TestRecordRejectsUnencodablePayload(t *testing.T) {
	store := memory.NewStore()
	recorder := EventRecorder{UnitOfWork: store}

	err := recorder.Record(context.Background(), events.TypeFundsAdded, func() {}, "saga-1")
	if err == nil {
		t.Fatal("expected encode failure")
	}
	count, _ := store.CountUnsent(context.Background())
	if count != 0 {
		t.Fatalf("failed record staged %d rows", count)
	}
}
