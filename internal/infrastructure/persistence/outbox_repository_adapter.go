package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/jmoiron/sqlx"
)

type OutboxRepositoryAdapter struct {
	db *sqlx.DB
}

func NewOutboxRepositoryAdapter(db *sqlx.DB) *OutboxRepositoryAdapter {
	return &OutboxRepositoryAdapter{db: db}
}

type outboxRow struct {
	ID          uuid.UUID  `db:"id"`
	OrderID     uuid.UUID  `db:"order_id"`
	Kind        string     `db:"kind"`
	Payload     []byte     `db:"payload"`
	Status      string     `db:"status"`
	Attempts    int        `db:"attempts"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

func (r *OutboxRepositoryAdapter) Enqueue(ctx context.Context, e *entity.OutboxEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, order_id, kind, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id, kind) DO NOTHING
	`, e.ID, e.OrderID, string(e.Kind), []byte(e.Payload), string(e.Status), e.Attempts, e.CreatedAt)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось записать событие outbox")
	}
	return nil
}

// FetchPending возвращает самые старые необработанные события.
func (r *OutboxRepositoryAdapter) FetchPending(ctx context.Context, limit int) ([]*entity.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []outboxRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, order_id, kind, payload, status, attempts, last_error, created_at, processed_at
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить события outbox")
	}

	events := make([]*entity.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, &entity.OutboxEvent{
			ID:          row.ID,
			OrderID:     row.OrderID,
			Kind:        entity.OutboxKind(row.Kind),
			Payload:     row.Payload,
			Status:      entity.OutboxStatus(row.Status),
			Attempts:    row.Attempts,
			LastError:   row.LastError,
			CreatedAt:   row.CreatedAt,
			ProcessedAt: row.ProcessedAt,
		})
	}
	return events, nil
}

func (r *OutboxRepositoryAdapter) Save(ctx context.Context, e *entity.OutboxEvent) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, last_error = $4, processed_at = $5
		WHERE id = $1
	`, e.ID, string(e.Status), e.Attempts, e.LastError, e.ProcessedAt)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось обновить событие outbox")
	}
	return nil
}
