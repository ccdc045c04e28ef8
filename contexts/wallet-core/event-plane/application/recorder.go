package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"aurum/contexts/wallet-core/event-plane/domain/entities"
	"aurum/contexts/wallet-core/event-plane/ports"
	"aurum/internal/shared/events"
)

// EventRecorder is the producer seam: domain code stages an event inside the
// same transaction as its own state change, so both commit or roll back as
// one. The typed helpers cover the wallet workflow event set.
type EventRecorder struct {
	UnitOfWork ports.UnitOfWork
	IDs        ports.IDGenerator
	Logger     *slog.Logger
}

// BeginWorkflow mints the correlation id a new wallet workflow runs under.
// Every event of the workflow carries this id, and the saga instance is keyed
// by it.
func (r EventRecorder) BeginWorkflow(ctx context.Context) (string, error) {
	id, err := r.IDs.NewID(ctx)
	if err != nil {
		return "", fmt.Errorf("mint correlation id: %w", err)
	}
	return id, nil
}

// Record appends one event within a fresh transaction. Callers that already
// hold a transactional appender (via UnitOfWork.WithinTx) should use it
// directly instead.
func (r EventRecorder) Record(ctx context.Context, eventType string, payload any, correlationID string) error {
	logger := ResolveLogger(r.Logger)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	err = r.UnitOfWork.WithinTx(ctx, func(ctx context.Context, outbox ports.OutboxAppender) error {
		_, err := outbox.Append(ctx, eventType, data, correlationID)
		return err
	})
	if err != nil {
		return err
	}
	logger.Debug("domain event recorded",
		"event", "outbox_event_recorded",
		"module", "wallet-core/event-plane",
		"layer", "application",
		"event_type", eventType,
		"correlation_id", correlationID,
	)
	return nil
}

func (r EventRecorder) RecordWalletCreated(ctx context.Context, payload entities.WalletCreated) error {
	return r.Record(ctx, events.TypeWalletCreated, payload, payload.CorrelationID)
}

func (r EventRecorder) RecordFundsAdded(ctx context.Context, payload entities.FundsAdded) error {
	return r.Record(ctx, events.TypeFundsAdded, payload, payload.CorrelationID)
}

func (r EventRecorder) RecordFundsWithdrawn(ctx context.Context, payload entities.FundsWithdrawn) error {
	return r.Record(ctx, events.TypeFundsWithdrawn, payload, payload.CorrelationID)
}

func (r EventRecorder) RecordFundsTransferred(ctx context.Context, payload entities.FundsTransferred) error {
	return r.Record(ctx, events.TypeFundsTransferred, payload, payload.CorrelationID)
}
