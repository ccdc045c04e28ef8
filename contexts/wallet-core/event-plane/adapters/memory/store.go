package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"aurum/contexts/wallet-core/event-plane/domain/entities"
	domainerrors "aurum/contexts/wallet-core/event-plane/domain/errors"
	"aurum/contexts/wallet-core/event-plane/ports"

	"github.com/google/uuid"
)

// Store is the in-memory outbox + saga store used by tests and local runs.
// It honors the same contracts as the postgres adapter: monotonic outbox ids,
// version-conditional saga saves, staged appends inside WithinTx.
type Store struct {
	mu sync.RWMutex

	nextOutboxID int64
	outbox       map[int64]entities.OutboxRecord
	sagas        map[string]entities.SagaInstance
}

func NewStore() *Store {
	return &Store{
		outbox: make(map[int64]entities.OutboxRecord),
		sagas:  make(map[string]entities.SagaInstance),
	}
}

// ── outbox ────────────────────────────────────────────────────────────────

func (s *Store) Append(ctx context.Context, eventType string, payload []byte, correlationID string) (int64, error) {
	if eventType == "" {
		return 0, domainerrors.ErrEventTypeRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(eventType, payload, correlationID), nil
}

func (s *Store) appendLocked(eventType string, payload []byte, correlationID string) int64 {
	s.nextOutboxID++
	id := s.nextOutboxID
	s.outbox[id] = entities.OutboxRecord{
		ID:            id,
		EventType:     eventType,
		Payload:       append([]byte(nil), payload...),
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
	return id
}

// WithinDrain runs fn against the store itself. The memory store serves one
// process, so the cycle needs no cross-process row reservation.
func (s *Store) WithinDrain(ctx context.Context, fn func(ctx context.Context, drain ports.OutboxDrain) error) error {
	return fn(ctx, s)
}

func (s *Store) ListUnsent(_ context.Context, limit int) ([]entities.OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]entities.OutboxRecord, 0, limit)
	for _, record := range s.outbox {
		if !record.Sent {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.outbox[id]
	if !ok {
		return nil
	}
	record.Sent = true
	s.outbox[id] = record
	return nil
}

func (s *Store) CountUnsent(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, record := range s.outbox {
		if !record.Sent {
			count++
		}
	}
	return count, nil
}

// Record returns one outbox row by id; test helper.
func (s *Store) Record(id int64) (entities.OutboxRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.outbox[id]
	return record, ok
}

// ── unit of work ──────────────────────────────────────────────────────────

type stagedAppender struct {
	store  *Store
	staged []entities.OutboxRecord
}

func (a *stagedAppender) Append(_ context.Context, eventType string, payload []byte, correlationID string) (int64, error) {
	if eventType == "" {
		return 0, domainerrors.ErrEventTypeRequired
	}
	a.store.mu.Lock()
	a.store.nextOutboxID++
	id := a.store.nextOutboxID
	a.store.mu.Unlock()

	a.staged = append(a.staged, entities.OutboxRecord{
		ID:            id,
		EventType:     eventType,
		Payload:       append([]byte(nil), payload...),
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	})
	return id, nil
}

// WithinTx stages appended events and makes them visible only when fn
// returns nil, mirroring transactional visibility of the postgres adapter.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, outbox ports.OutboxAppender) error) error {
	appender := &stagedAppender{store: s}
	if err := fn(ctx, appender); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range appender.staged {
		s.outbox[record.ID] = record
	}
	return nil
}

// ── saga store ────────────────────────────────────────────────────────────

func (s *Store) Load(_ context.Context, sagaID string) (entities.SagaInstance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instance, ok := s.sagas[sagaID]
	if !ok {
		return entities.SagaInstance{}, false, nil
	}
	return copyInstance(instance), true, nil
}

func (s *Store) Save(_ context.Context, instance entities.SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sagas[instance.SagaID]
	if instance.Version == 1 {
		if exists {
			return domainerrors.ErrVersionConflict
		}
	} else {
		if !exists || stored.Version != instance.Version-1 {
			return domainerrors.ErrVersionConflict
		}
	}
	s.sagas[instance.SagaID] = copyInstance(instance)
	return nil
}

func (s *Store) ListOverdue(_ context.Context, cutoff time.Time, limit int) ([]entities.SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var overdue []entities.SagaInstance
	for _, instance := range s.sagas {
		if !instance.State.Terminal() && instance.UpdatedAt.Before(cutoff) {
			overdue = append(overdue, copyInstance(instance))
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].UpdatedAt.Before(overdue[j].UpdatedAt) })
	if len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}

func (s *Store) ListCompensationPending(_ context.Context, limit int) ([]entities.SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []entities.SagaInstance
	for _, instance := range s.sagas {
		if instance.State == entities.StateFailed && !instance.CompensationEmitted {
			pending = append(pending, copyInstance(instance))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].SagaID < pending[j].SagaID })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// ── clock / ids ───────────────────────────────────────────────────────────

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func copyInstance(instance entities.SagaInstance) entities.SagaInstance {
	copied := instance
	copied.ProcessedEventIDs = append([]string(nil), instance.ProcessedEventIDs...)
	copied.History = append([]entities.SagaEvent(nil), instance.History...)
	return copied
}
