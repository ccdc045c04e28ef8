package ports

import (
	"context"
	"time"

	"aurum/contexts/wallet-core/event-plane/domain/entities"
	"aurum/internal/shared/events"
)

// OutboxAppender stages an event for publication. Append participates in
// whatever transaction the implementation is bound to; the returned id is the
// monotonically assigned record key.
type OutboxAppender interface {
	Append(ctx context.Context, eventType string, payload []byte, correlationID string) (int64, error)
}

// OutboxDrain is the view the dispatcher works through inside one drain
// cycle. Rows returned by ListUnsent stay reserved until the surrounding
// WithinDrain call returns and its transaction commits.
type OutboxDrain interface {
	// ListUnsent returns pending records oldest first, reserving them for
	// the rest of the cycle (select ... for update skip locked or
	// equivalent).
	ListUnsent(ctx context.Context, limit int) ([]entities.OutboxRecord, error)

	// MarkSent flips the sent flag. Idempotent.
	MarkSent(ctx context.Context, id int64) error
}

// OutboxStore is the dispatcher-facing view of the outbox table.
type OutboxStore interface {
	OutboxAppender

	// WithinDrain runs one drain cycle inside a single storage transaction,
	// so the row reservation taken by ListUnsent holds across the whole
	// list/publish/mark window and concurrent dispatcher processes never
	// hand out the same record twice.
	WithinDrain(ctx context.Context, fn func(ctx context.Context, drain OutboxDrain) error) error

	CountUnsent(ctx context.Context) (int64, error)
}

// UnitOfWork runs fn inside one storage transaction and hands it an appender
// bound to that transaction, so a domain change and its events commit or roll
// back together.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, outbox OutboxAppender) error) error
}

// SagaStore persists saga instances with optimistic concurrency. Save expects
// instance.Version to already hold the target revision: version 1 inserts,
// anything higher updates conditional on the stored version being Version-1.
// A lost race surfaces as domainerrors.ErrVersionConflict.
type SagaStore interface {
	Load(ctx context.Context, sagaID string) (entities.SagaInstance, bool, error)
	Save(ctx context.Context, instance entities.SagaInstance) error

	// ListOverdue returns non-terminal instances untouched since the cutoff.
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]entities.SagaInstance, error)

	// ListCompensationPending returns FAILED instances whose compensation
	// events have not been appended to the outbox yet.
	ListCompensationPending(ctx context.Context, limit int) ([]entities.SagaInstance, error)
}

// Publisher pushes an envelope to a named destination. It returns only after
// the broker has durably accepted the envelope; any error means "not
// delivered, retry later".
type Publisher interface {
	Publish(ctx context.Context, destination string, envelope events.Envelope) error
}

// Subscriber delivers envelopes at least once. Within one (destination, group)
// envelopes are handled strictly sequentially; a handler error requests
// redelivery, and repeated failure routes the envelope to the dead-letter
// destination after the adapter's attempt cap.
type Subscriber interface {
	Subscribe(ctx context.Context, destination string, group string, handler func(context.Context, events.Envelope) error) error
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}
