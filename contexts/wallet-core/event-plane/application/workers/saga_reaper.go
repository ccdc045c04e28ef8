package workers

import (
	"context"
	"log/slog"
	"time"

	"aurum/contexts/wallet-core/event-plane/application"
	"aurum/contexts/wallet-core/event-plane/domain/entities"
	"aurum/contexts/wallet-core/event-plane/ports"
	"aurum/internal/platform/telemetry"
)

const (
	defaultSagaTimeout    = 30 * time.Minute
	defaultReaperBatch    = 100
	reaperEnvelopePrefix  = "reaper/"
	reaperTimeoutReason   = "saga timeout"
	compensationRetryNote = "compensation retry"
)

// SagaReaper fails saga instances stuck in a non-terminal state past the
// timeout and finishes compensation emission for FAILED instances whose
// earlier emission attempt did not complete.
type SagaReaper struct {
	Sagas       ports.SagaStore
	Coordinator application.SagaCoordinator
	Clock       ports.Clock
	Timeout     time.Duration
	BatchSize   int
	Logger      *slog.Logger
}

func (r SagaReaper) RunOnce(ctx context.Context) error {
	logger := application.ResolveLogger(r.Logger)
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultSagaTimeout
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = defaultReaperBatch
	}
	now := r.now()

	overdue, err := r.Sagas.ListOverdue(ctx, now.Add(-timeout), limit)
	if err != nil {
		logger.Error("reaper overdue scan failed",
			"event", "saga_reaper_scan_failed",
			"module", "wallet-core/event-plane",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}
	for _, instance := range overdue {
		telemetry.SagaTimeouts.Inc()
		logger.Warn("saga timed out",
			"event", "saga_timed_out",
			"module", "wallet-core/event-plane",
			"layer", "worker",
			"saga_id", instance.SagaID,
			"state", string(instance.State),
			"idle_since", instance.UpdatedAt.UTC().Format(time.RFC3339),
		)
		if err := r.Coordinator.Handle(ctx, application.Command{
			SagaID:     instance.SagaID,
			Event:      entities.EventSagaFailed,
			EnvelopeID: reaperEnvelopePrefix + instance.SagaID,
			Reason:     reaperTimeoutReason,
		}); err != nil {
			logger.Error("reaper failure injection failed",
				"event", "saga_reaper_inject_failed",
				"module", "wallet-core/event-plane",
				"layer", "worker",
				"saga_id", instance.SagaID,
				"error", err.Error(),
			)
		}
	}

	pending, err := r.Sagas.ListCompensationPending(ctx, limit)
	if err != nil {
		logger.Error("reaper compensation scan failed",
			"event", "saga_reaper_compensation_scan_failed",
			"module", "wallet-core/event-plane",
			"layer", "worker",
			"error", err.Error(),
		)
		return err
	}
	for _, instance := range pending {
		if err := r.Coordinator.EmitCompensation(ctx, instance.SagaID, compensationRetryNote); err != nil {
			logger.Error("compensation retry failed",
				"event", "saga_compensation_retry_failed",
				"module", "wallet-core/event-plane",
				"layer", "worker",
				"saga_id", instance.SagaID,
				"error", err.Error(),
			)
		}
	}
	return nil
}

func (r SagaReaper) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
