package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/jmoiron/sqlx"
)

type AgentRepositoryAdapter struct {
	db *sqlx.DB
}

func NewAgentRepositoryAdapter(db *sqlx.DB) *AgentRepositoryAdapter {
	return &AgentRepositoryAdapter{db: db}
}

type agentRow struct {
	ID            uuid.UUID `db:"id"`
	Name          string    `db:"name"`
	Wallet        string    `db:"wallet"`
	WebhookURL    string    `db:"webhook_url"`
	JobsCompleted int       `db:"jobs_completed"`
	TotalEarned   int64     `db:"total_earned"`
}

func (r *AgentRepositoryAdapter) Create(ctx context.Context, a *entity.Agent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, wallet, webhook_url) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Name, a.Wallet, a.WebhookURL,
	)
	if isUniqueViolation(err) {
		return apperror.New(apperror.ErrCodeConflict, "агент уже существует")
	}
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось создать агента")
	}
	return nil
}

func (r *AgentRepositoryAdapter) FindByID(ctx context.Context, id uuid.UUID) (*entity.Agent, error) {
	var row agentRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, name, wallet, webhook_url, jobs_completed, total_earned FROM agents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrAgentNotFound
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить агента")
	}
	return &entity.Agent{
		ID:            row.ID,
		Name:          row.Name,
		Wallet:        row.Wallet,
		WebhookURL:    row.WebhookURL,
		JobsCompleted: row.JobsCompleted,
		TotalEarned:   vo.Money(row.TotalEarned),
	}, nil
}

// ApplyCompletion пишет журнал начисления и увеличивает счётчики в одной
// транзакции. Повтор того же eventID ничего не меняет.
func (r *AgentRepositoryAdapter) ApplyCompletion(ctx context.Context, eventID, agentID uuid.UUID, amount vo.Money) error {
	return withTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO agent_completion_events (event_id, agent_id, amount)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID, agentID, int64(amount))
		if err != nil {
			return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось записать начисление")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE agents
			SET jobs_completed = jobs_completed + 1, total_earned = total_earned + $2
			WHERE id = $1
		`, agentID, int64(amount))
		if err != nil {
			return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось обновить статистику агента")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.ErrAgentNotFound
		}
		return nil
	})
}
