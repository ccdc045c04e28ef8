package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aurum/contexts/wallet-core/event-plane/domain/entities"
	domainerrors "aurum/contexts/wallet-core/event-plane/domain/errors"
	"aurum/contexts/wallet-core/event-plane/ports"
	"aurum/internal/platform/telemetry"
	"aurum/internal/shared/events"
)

const defaultOptimisticRetryCap = 3

// Command is one inbound instruction for a saga instance. EnvelopeID is the
// idempotency key; redeliveries of the same envelope are recognized and acked
// without a second transition.
type Command struct {
	SagaID     string
	Event      entities.SagaEvent
	EnvelopeID string
	Reason     string
}

// SagaCoordinator drives the wallet transfer state machine. Mutations are
// serialized per saga id by the version guard in the store: a lost
// read-compute-write race is retried up to RetryCap times and then escalated
// to SAGA_FAILED for that instance.
type SagaCoordinator struct {
	Sagas    ports.SagaStore
	Outbox   ports.OutboxAppender
	Clock    ports.Clock
	RetryCap int
	Logger   *slog.Logger
}

// Handle applies one command. A nil return means the command is durably
// recorded or deterministically a no-op (duplicate, stale, invalid
// transition); either way the envelope may be positively acked.
func (c SagaCoordinator) Handle(ctx context.Context, cmd Command) error {
	logger := ResolveLogger(c.Logger)
	if cmd.SagaID == "" {
		// A failure signal without a workflow has nothing to mutate; no
		// instance is ever created under an empty id.
		if cmd.Event == entities.EventSagaFailed {
			logger.Warn("saga failure signal without correlation id",
				"event", "saga_failed_without_correlation",
				"module", "wallet-core/event-plane",
				"layer", "application",
				"envelope_id", cmd.EnvelopeID,
				"reason", cmd.Reason,
			)
			return nil
		}
		return domainerrors.ErrCorrelationIDRequired
	}

	retryCap := c.RetryCap
	if retryCap <= 0 {
		retryCap = defaultOptimisticRetryCap
	}

	for attempt := 0; attempt <= retryCap; attempt++ {
		applied, next, err := c.tryApply(ctx, cmd)
		if err != nil {
			if errors.Is(err, domainerrors.ErrVersionConflict) {
				continue
			}
			return err
		}
		if !applied {
			return nil
		}
		return c.afterTransition(ctx, cmd, next)
	}

	logger.Error("saga optimistic retries exhausted",
		"event", "saga_retry_exhausted",
		"module", "wallet-core/event-plane",
		"layer", "application",
		"saga_id", cmd.SagaID,
		"saga_event", string(cmd.Event),
	)
	if cmd.Event == entities.EventSagaFailed {
		return fmt.Errorf("escalate saga %s: %w", cmd.SagaID, domainerrors.ErrRetryExhausted)
	}
	return c.Handle(ctx, Command{
		SagaID:     cmd.SagaID,
		Event:      entities.EventSagaFailed,
		EnvelopeID: cmd.EnvelopeID + "/conflict-escalation",
		Reason:     "optimistic retry cap exhausted",
	})
}

// tryApply performs one read-compute-write cycle. applied=false with nil
// error means the command was deterministically rejected as a no-op.
func (c SagaCoordinator) tryApply(ctx context.Context, cmd Command) (bool, entities.SagaState, error) {
	logger := ResolveLogger(c.Logger)
	now := c.now()

	instance, found, err := c.Sagas.Load(ctx, cmd.SagaID)
	if err != nil {
		return false, "", fmt.Errorf("load saga %s: %w", cmd.SagaID, err)
	}
	if !found {
		instance = entities.NewSagaInstance(cmd.SagaID, now)
	}

	if cmd.EnvelopeID != "" && instance.AlreadyProcessed(cmd.EnvelopeID) {
		logger.Debug("duplicate envelope skipped",
			"event", "saga_duplicate_skipped",
			"module", "wallet-core/event-plane",
			"layer", "application",
			"saga_id", cmd.SagaID,
			"envelope_id", cmd.EnvelopeID,
		)
		return false, "", nil
	}

	next, ok := entities.NextState(instance.State, cmd.Event)
	if !ok {
		telemetry.SagaInvalidTransitions.Inc()
		logger.Warn("invalid saga transition rejected",
			"event", "saga_invalid_transition",
			"module", "wallet-core/event-plane",
			"layer", "application",
			"saga_id", cmd.SagaID,
			"state", string(instance.State),
			"saga_event", string(cmd.Event),
			"envelope_id", cmd.EnvelopeID,
		)
		return false, "", nil
	}

	from := instance.State
	instance.MarkProcessed(cmd.EnvelopeID)
	instance.Apply(cmd.Event, next, now)
	if err := c.Sagas.Save(ctx, instance); err != nil {
		if errors.Is(err, domainerrors.ErrVersionConflict) {
			return false, "", err
		}
		return false, "", fmt.Errorf("save saga %s: %w", cmd.SagaID, err)
	}

	telemetry.SagaTransitions.WithLabelValues(string(from), string(next), string(cmd.Event)).Inc()
	logger.Info("saga transition applied",
		"event", "saga_transition_applied",
		"module", "wallet-core/event-plane",
		"layer", "application",
		"saga_id", cmd.SagaID,
		"from", string(from),
		"to", string(next),
		"saga_event", string(cmd.Event),
		"version", instance.Version,
	)
	return true, next, nil
}

func (c SagaCoordinator) afterTransition(ctx context.Context, cmd Command, next entities.SagaState) error {
	switch next {
	case entities.StateFailed:
		return c.EmitCompensation(ctx, cmd.SagaID, cmd.Reason)
	case entities.StateFundsTransferred:
		// The workflow has no further inbound step; completion is the
		// coordinator's own follow-up command.
		return c.Handle(ctx, Command{
			SagaID:     cmd.SagaID,
			Event:      entities.EventSagaCompleted,
			EnvelopeID: cmd.EnvelopeID + "/complete",
		})
	default:
		return nil
	}
}

// EmitCompensation appends one compensation event per recorded forward step,
// newest step first, then marks the instance settled. Emission is best
// effort: a failure leaves CompensationEmitted false and the reaper's
// scheduled pass retries it.
func (c SagaCoordinator) EmitCompensation(ctx context.Context, sagaID string, reason string) error {
	logger := ResolveLogger(c.Logger)

	instance, found, err := c.Sagas.Load(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("load saga %s for compensation: %w", sagaID, err)
	}
	if !found || instance.State != entities.StateFailed || instance.CompensationEmitted {
		return nil
	}

	telemetry.SagaCompensationsStarted.Inc()
	for i := len(instance.History) - 1; i >= 0; i-- {
		step := instance.History[i]
		eventType, ok := compensationType(step)
		if !ok {
			continue
		}
		payload, err := json.Marshal(entities.CompensationRequested{
			SagaID:        sagaID,
			Step:          string(step),
			CorrelationID: sagaID,
			Reason:        reason,
		})
		if err != nil {
			return fmt.Errorf("encode compensation payload: %w", err)
		}
		if _, err := c.Outbox.Append(ctx, eventType, payload, sagaID); err != nil {
			logger.Error("compensation append failed",
				"event", "saga_compensation_append_failed",
				"module", "wallet-core/event-plane",
				"layer", "application",
				"saga_id", sagaID,
				"step", string(step),
				"error", err.Error(),
			)
			return fmt.Errorf("append compensation for %s: %w", sagaID, err)
		}
	}

	instance.MarkCompensationEmitted(c.now())
	if err := c.Sagas.Save(ctx, instance); err != nil {
		if errors.Is(err, domainerrors.ErrVersionConflict) {
			// A concurrent writer got there first; its view of the history
			// is as good as ours and the retry pass will settle the flag.
			return nil
		}
		return fmt.Errorf("save saga %s after compensation: %w", sagaID, err)
	}

	logger.Info("compensation events emitted",
		"event", "saga_compensation_emitted",
		"module", "wallet-core/event-plane",
		"layer", "application",
		"saga_id", sagaID,
		"steps", len(instance.History),
	)
	return nil
}

func (c SagaCoordinator) now() time.Time {
	if c.Clock != nil {
		return c.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func compensationType(step entities.SagaEvent) (string, bool) {
	switch step {
	case entities.EventWalletCreated:
		return events.TypeWalletCreatedCompensation, true
	case entities.EventFundsAdded:
		return events.TypeFundsAddedCompensation, true
	case entities.EventFundsWithdrawn:
		return events.TypeFundsWithdrawnCompensation, true
	case entities.EventFundsTransferred:
		return events.TypeFundsTransferredCompensation, true
	default:
		return "", false
	}
}
