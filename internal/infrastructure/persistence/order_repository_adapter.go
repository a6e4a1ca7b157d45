package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/jmoiron/sqlx"
)

type OrderRepositoryAdapter struct {
	db *sqlx.DB
}

func NewOrderRepositoryAdapter(db *sqlx.DB) *OrderRepositoryAdapter {
	return &OrderRepositoryAdapter{db: db}
}

type orderRow struct {
	ID               uuid.UUID  `db:"id"`
	GigID            string     `db:"gig_id"`
	AgentID          uuid.UUID  `db:"agent_id"`
	ClientWallet     string     `db:"client_wallet"`
	Amount           int64      `db:"amount"`
	Requirements     []byte     `db:"requirements"`
	Status           string     `db:"status"`
	EscrowID         *uuid.UUID `db:"escrow_id"`
	PaymentReference string     `db:"payment_reference"`
	Delivery         []byte     `db:"delivery"`
	RevisionCount    int        `db:"revision_count"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

const orderColumns = `id, gig_id, agent_id, client_wallet, amount, requirements, status, escrow_id,
	payment_reference, delivery, revision_count, created_at, updated_at`

func (r orderRow) toEntity() (*entity.Order, error) {
	o := &entity.Order{
		ID:               r.ID,
		GigID:            r.GigID,
		AgentID:          r.AgentID,
		ClientWallet:     r.ClientWallet,
		Amount:           vo.Money(r.Amount),
		Status:           vo.OrderStatus(r.Status),
		EscrowID:         r.EscrowID,
		PaymentReference: r.PaymentReference,
		RevisionCount:    r.RevisionCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.Requirements) > 0 {
		if err := json.Unmarshal(r.Requirements, &o.Requirements); err != nil {
			return nil, err
		}
	}
	if len(r.Delivery) > 0 {
		if err := json.Unmarshal(r.Delivery, &o.Delivery); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func encodeOrder(o *entity.Order) (req, delivery []byte, err error) {
	if req, err = json.Marshal(o.Requirements); err != nil {
		return nil, nil, err
	}
	if delivery, err = json.Marshal(o.Delivery); err != nil {
		return nil, nil, err
	}
	return req, delivery, nil
}

func (r *OrderRepositoryAdapter) Create(ctx context.Context, order *entity.Order) error {
	req, delivery, err := encodeOrder(order)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сериализовать заказ")
	}

	query := `
		INSERT INTO orders (id, gig_id, agent_id, client_wallet, amount, requirements, status, escrow_id,
			payment_reference, delivery, revision_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.ExecContext(ctx, query,
		order.ID,
		order.GigID,
		order.AgentID,
		order.ClientWallet,
		int64(order.Amount),
		req,
		string(order.Status),
		order.EscrowID,
		order.PaymentReference,
		delivery,
		order.RevisionCount,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось создать заказ")
	}
	return nil
}

func (r *OrderRepositoryAdapter) FindByID(ctx context.Context, id uuid.UUID) (*entity.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrOrderNotFound
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить заказ")
	}

	order, err := row.toEntity()
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "повреждённые данные заказа")
	}
	return order, nil
}

// UpdateIfStatus перезаписывает заказ, если его статус в базе входит в expected.
// escrow_id записывается только если ещё не установлен.
func (r *OrderRepositoryAdapter) UpdateIfStatus(ctx context.Context, order *entity.Order, expected ...vo.OrderStatus) error {
	req, delivery, err := encodeOrder(order)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сериализовать заказ")
	}

	query := `
		UPDATE orders
		SET status = $2, escrow_id = COALESCE(escrow_id, $3), payment_reference = $4,
		    requirements = $5, delivery = $6, revision_count = $7, updated_at = $8
		WHERE id = $1 AND status = ANY($9)
	`
	res, err := r.db.ExecContext(ctx, query,
		order.ID,
		string(order.Status),
		order.EscrowID,
		order.PaymentReference,
		req,
		delivery,
		order.RevisionCount,
		order.UpdatedAt,
		statusArray(expected),
	)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось обновить заказ")
	}
	return checkGuardedUpdate(res, "заказа")
}
