package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/jmoiron/sqlx"
)

type EscrowRepositoryAdapter struct {
	db *sqlx.DB
}

func NewEscrowRepositoryAdapter(db *sqlx.DB) *EscrowRepositoryAdapter {
	return &EscrowRepositoryAdapter{db: db}
}

type escrowRow struct {
	ID                  uuid.UUID  `db:"id"`
	OrderID             uuid.UUID  `db:"order_id"`
	BuyerWallet         string     `db:"buyer_wallet"`
	SellerWallet        string     `db:"seller_wallet"`
	Amount              int64      `db:"amount"`
	PlatformFeeBps      int64      `db:"platform_fee_bps"`
	PlatformFee         int64      `db:"platform_fee"`
	SellerAmount        int64      `db:"seller_amount"`
	Status              string     `db:"status"`
	FundingReference    string     `db:"funding_reference"`
	FundedAt            *time.Time `db:"funded_at"`
	AutoReleaseDeadline *time.Time `db:"auto_release_deadline"`
	ReleasedAt          *time.Time `db:"released_at"`
	RefundedAt          *time.Time `db:"refunded_at"`
	SettlementReference string     `db:"settlement_reference"`
	SettlingKind        string     `db:"settling_kind"`
	SettlingFrom        string     `db:"settling_from"`
	DisputeReason       string     `db:"dispute_reason"`
	Resolution          string     `db:"resolution"`
	ResolutionNotes     string     `db:"resolution_notes"`
	ResolvedBy          string     `db:"resolved_by"`
	ResolvedAt          *time.Time `db:"resolved_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

const escrowColumns = `id, order_id, buyer_wallet, seller_wallet, amount, platform_fee_bps, platform_fee,
	seller_amount, status, funding_reference, funded_at, auto_release_deadline, released_at, refunded_at,
	settlement_reference, settling_kind, settling_from, dispute_reason, resolution, resolution_notes, resolved_by, resolved_at,
	created_at, updated_at`

func (r escrowRow) toEntity() *entity.Escrow {
	return &entity.Escrow{
		ID:                  r.ID,
		OrderID:             r.OrderID,
		BuyerWallet:         r.BuyerWallet,
		SellerWallet:        r.SellerWallet,
		Amount:              vo.Money(r.Amount),
		PlatformFeeRate:     vo.FeeRate(r.PlatformFeeBps),
		PlatformFee:         vo.Money(r.PlatformFee),
		SellerAmount:        vo.Money(r.SellerAmount),
		Status:              vo.EscrowStatus(r.Status),
		FundingReference:    r.FundingReference,
		FundedAt:            r.FundedAt,
		AutoReleaseDeadline: r.AutoReleaseDeadline,
		ReleasedAt:          r.ReleasedAt,
		RefundedAt:          r.RefundedAt,
		SettlementReference: r.SettlementReference,
		SettlingKind:        r.SettlingKind,
		SettlingFrom:        vo.EscrowStatus(r.SettlingFrom),
		DisputeReason:       r.DisputeReason,
		Resolution:          vo.Resolution(r.Resolution),
		ResolutionNotes:     r.ResolutionNotes,
		ResolvedBy:          r.ResolvedBy,
		ResolvedAt:          r.ResolvedAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (r *EscrowRepositoryAdapter) Create(ctx context.Context, e *entity.Escrow) error {
	query := `
		INSERT INTO escrows (id, order_id, buyer_wallet, seller_wallet, amount, platform_fee_bps, platform_fee,
			seller_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.OrderID, e.BuyerWallet, e.SellerWallet,
		int64(e.Amount), int64(e.PlatformFeeRate), int64(e.PlatformFee), int64(e.SellerAmount),
		string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperror.New(apperror.ErrCodeConflict, "у заказа уже есть активный escrow")
	}
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось создать escrow")
	}
	return nil
}

func (r *EscrowRepositoryAdapter) FindByID(ctx context.Context, id uuid.UUID) (*entity.Escrow, error) {
	return r.findOne(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
}

// FindByOrderID возвращает последний escrow заказа.
func (r *EscrowRepositoryAdapter) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*entity.Escrow, error) {
	return r.findOne(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
}

func (r *EscrowRepositoryAdapter) findOne(ctx context.Context, query string, arg any) (*entity.Escrow, error) {
	var row escrowRow
	err := r.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrEscrowNotFound
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить escrow")
	}
	return row.toEntity(), nil
}

func (r *EscrowRepositoryAdapter) UpdateIfStatus(ctx context.Context, e *entity.Escrow, expected ...vo.EscrowStatus) error {
	query := `
		UPDATE escrows
		SET status = $2, funding_reference = $3, funded_at = $4, auto_release_deadline = $5,
		    released_at = $6, refunded_at = $7, settlement_reference = $8, dispute_reason = $9,
		    resolution = $10, resolution_notes = $11, resolved_by = $12, resolved_at = $13, updated_at = $14,
		    settling_kind = $15, settling_from = $16
		WHERE id = $1 AND status = ANY($17)
	`
	res, err := r.db.ExecContext(ctx, query,
		e.ID,
		string(e.Status),
		e.FundingReference,
		e.FundedAt,
		e.AutoReleaseDeadline,
		e.ReleasedAt,
		e.RefundedAt,
		e.SettlementReference,
		e.DisputeReason,
		string(e.Resolution),
		e.ResolutionNotes,
		e.ResolvedBy,
		e.ResolvedAt,
		e.UpdatedAt,
		e.SettlingKind,
		string(e.SettlingFrom),
		statusArray(expected),
	)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось обновить escrow")
	}
	return checkGuardedUpdate(res, "escrow")
}

func (r *EscrowRepositoryAdapter) FindDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*entity.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE status = 'funded' AND dispute_reason = '' AND auto_release_deadline <= $1
		ORDER BY auto_release_deadline
		LIMIT $2
	`
	var rows []escrowRow
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить escrow для автоосвобождения")
	}

	result := make([]*entity.Escrow, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toEntity())
	}
	return result, nil
}
