package postgresadapter

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

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists outbox records and saga instances over GORM. Outbox
// appends participate in the transaction bound to the receiver's db handle,
// which is how WithinTx keeps domain change and event in one commit.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the event-plane tables and drain indexes.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&outboxRecordModel{}, &sagaInstanceModel{}); err != nil {
		return fmt.Errorf("migrate event plane schema: %w", err)
	}
	return nil
}

// ── outbox ────────────────────────────────────────────────────────────────

func (r *Repository) Append(ctx context.Context, eventType string, payload []byte, correlationID string) (int64, error) {
	if eventType == "" {
		return 0, domainerrors.ErrEventTypeRequired
	}
	row := outboxRecordModel{
		EventType:     eventType,
		Payload:       append([]byte(nil), payload...),
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
		Sent:          false,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, r.logError("outbox_append_failed", err, "event_type", eventType)
	}
	return row.ID, nil
}

// WithinDrain holds one transaction across a full drain cycle, so the SKIP
// LOCKED reservation taken by ListUnsent survives until the MarkSent updates
// commit. A second dispatcher process draining concurrently skips the rows
// this one holds.
func (r *Repository) WithinDrain(ctx context.Context, fn func(ctx context.Context, drain ports.OutboxDrain) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Repository{db: tx, logger: r.logger})
	})
}

// ListUnsent drains oldest-first with row reservation. The locks belong to
// the transaction bound to the receiver; call through WithinDrain so they
// outlive the select.
func (r *Repository) ListUnsent(ctx context.Context, limit int) ([]entities.OutboxRecord, error) {
	var rows []outboxRecordModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("sent = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, r.logError("outbox_list_unsent_failed", err, "limit", limit)
	}

	records := make([]entities.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toEntity())
	}
	return records, nil
}

func (r *Repository) MarkSent(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).
		Model(&outboxRecordModel{}).
		Where("id = ?", id).
		Update("sent", true).Error
	if err != nil {
		return r.logError("outbox_mark_sent_failed", err, "outbox_id", id)
	}
	return nil
}

func (r *Repository) CountUnsent(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&outboxRecordModel{}).
		Where("sent = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, r.logError("outbox_count_unsent_failed", err)
	}
	return count, nil
}

// WithinTx runs fn inside one database transaction with an appender bound to
// that transaction. Staged events become visible to ListUnsent only after the
// transaction commits; a fn error rolls everything back.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, outbox ports.OutboxAppender) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Repository{db: tx, logger: r.logger})
	})
}

// ── saga store ────────────────────────────────────────────────────────────

func (r *Repository) Load(ctx context.Context, sagaID string) (entities.SagaInstance, bool, error) {
	var row sagaInstanceModel
	err := r.db.WithContext(ctx).
		Where("saga_id = ?", sagaID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.SagaInstance{}, false, nil
		}
		return entities.SagaInstance{}, false, r.logError("saga_load_failed", err, "saga_id", sagaID)
	}

	instance, err := row.toEntity()
	if err != nil {
		return entities.SagaInstance{}, false, r.logError("saga_decode_failed", err, "saga_id", sagaID)
	}
	return instance, true, nil
}

// Save inserts the first revision and conditionally updates later ones. A
// RowsAffected of zero on update means another writer won the race.
func (r *Repository) Save(ctx context.Context, instance entities.SagaInstance) error {
	row, err := sagaModelFromEntity(instance)
	if err != nil {
		return r.logError("saga_encode_failed", err, "saga_id", instance.SagaID)
	}

	if instance.Version == 1 {
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return domainerrors.ErrVersionConflict
			}
			return r.logError("saga_insert_failed", err, "saga_id", instance.SagaID)
		}
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&sagaInstanceModel{}).
		Where("saga_id = ? AND version = ?", instance.SagaID, instance.Version-1).
		Updates(map[string]any{
			"state":                row.State,
			"version":              row.Version,
			"updated_at":           row.UpdatedAt,
			"last_event_type":      row.LastEventType,
			"processed_event_ids":  row.ProcessedEventIDs,
			"history":              row.History,
			"compensation_emitted": row.CompensationEmitted,
		})
	if result.Error != nil {
		return r.logError("saga_update_failed", result.Error, "saga_id", instance.SagaID)
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrVersionConflict
	}
	return nil
}

func (r *Repository) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]entities.SagaInstance, error) {
	var rows []sagaInstanceModel
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", []string{string(entities.StateCompleted), string(entities.StateFailed)}).
		Where("updated_at < ?", cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, r.logError("saga_list_overdue_failed", err)
	}
	return toInstances(rows)
}

func (r *Repository) ListCompensationPending(ctx context.Context, limit int) ([]entities.SagaInstance, error) {
	var rows []sagaInstanceModel
	err := r.db.WithContext(ctx).
		Where("state = ?", string(entities.StateFailed)).
		Where("compensation_emitted = ?", false).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, r.logError("saga_list_compensation_pending_failed", err)
	}
	return toInstances(rows)
}

func toInstances(rows []sagaInstanceModel) ([]entities.SagaInstance, error) {
	instances := make([]entities.SagaInstance, 0, len(rows))
	for _, row := range rows {
		instance, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "wallet-core/event-plane",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("event plane repository operation failed", fields...)
	return err
}

// ── models ────────────────────────────────────────────────────────────────

type outboxRecordModel struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventType     string    `gorm:"column:event_type;size:255;not null"`
	Payload       []byte    `gorm:"column:payload;not null"`
	CorrelationID string    `gorm:"column:correlation_id;size:36"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index"`
	Sent          bool      `gorm:"column:sent;not null;default:false;index:idx_outbox_drain,priority:1"`
}

func (outboxRecordModel) TableName() string {
	return "outbox_records"
}

func (m outboxRecordModel) toEntity() entities.OutboxRecord {
	return entities.OutboxRecord{
		ID:            m.ID,
		EventType:     m.EventType,
		Payload:       append([]byte(nil), m.Payload...),
		CorrelationID: m.CorrelationID,
		CreatedAt:     m.CreatedAt.UTC(),
		Sent:          m.Sent,
	}
}

type sagaInstanceModel struct {
	SagaID              string    `gorm:"column:saga_id;primaryKey;size:36"`
	State               string    `gorm:"column:state;size:32;not null"`
	Version             int64     `gorm:"column:version;not null"`
	StartedAt           time.Time `gorm:"column:started_at;not null"`
	UpdatedAt           time.Time `gorm:"column:updated_at;not null;index"`
	LastEventType       string    `gorm:"column:last_event_type;size:32"`
	ProcessedEventIDs   []byte    `gorm:"column:processed_event_ids"`
	History             []byte    `gorm:"column:history"`
	CompensationEmitted bool      `gorm:"column:compensation_emitted;not null;default:false"`
}

func (sagaInstanceModel) TableName() string {
	return "saga_instances"
}

func sagaModelFromEntity(instance entities.SagaInstance) (sagaInstanceModel, error) {
	processed, err := json.Marshal(instance.ProcessedEventIDs)
	if err != nil {
		return sagaInstanceModel{}, fmt.Errorf("encode processed event ids: %w", err)
	}
	history, err := json.Marshal(instance.History)
	if err != nil {
		return sagaInstanceModel{}, fmt.Errorf("encode history: %w", err)
	}
	return sagaInstanceModel{
		SagaID:              instance.SagaID,
		State:               string(instance.State),
		Version:             instance.Version,
		StartedAt:           instance.StartedAt.UTC(),
		UpdatedAt:           instance.UpdatedAt.UTC(),
		LastEventType:       string(instance.LastEventType),
		ProcessedEventIDs:   processed,
		History:             history,
		CompensationEmitted: instance.CompensationEmitted,
	}, nil
}

func (m sagaInstanceModel) toEntity() (entities.SagaInstance, error) {
	instance := entities.SagaInstance{
		SagaID:              m.SagaID,
		State:               entities.SagaState(m.State),
		Version:             m.Version,
		StartedAt:           m.StartedAt.UTC(),
		UpdatedAt:           m.UpdatedAt.UTC(),
		LastEventType:       entities.SagaEvent(m.LastEventType),
		CompensationEmitted: m.CompensationEmitted,
	}
	if len(m.ProcessedEventIDs) > 0 {
		if err := json.Unmarshal(m.ProcessedEventIDs, &instance.ProcessedEventIDs); err != nil {
			return entities.SagaInstance{}, fmt.Errorf("decode processed event ids: %w", err)
		}
	}
	if len(m.History) > 0 {
		if err := json.Unmarshal(m.History, &instance.History); err != nil {
			return entities.SagaInstance{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return instance, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var (
	_ ports.OutboxStore = (*Repository)(nil)
	_ ports.OutboxDrain = (*Repository)(nil)
	_ ports.SagaStore   = (*Repository)(nil)
	_ ports.UnitOfWork  = (*Repository)(nil)
)
