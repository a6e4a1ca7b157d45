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

type DisputeRepositoryAdapter struct {
	db *sqlx.DB
}

func NewDisputeRepositoryAdapter(db *sqlx.DB) *DisputeRepositoryAdapter {
	return &DisputeRepositoryAdapter{db: db}
}

type disputeRow struct {
	ID               string     `db:"id"`
	OrderID          uuid.UUID  `db:"order_id"`
	EscrowID         *uuid.UUID `db:"escrow_id"`
	BuyerWallet      string     `db:"buyer_wallet"`
	SellerWallet     string     `db:"seller_wallet"`
	Amount           int64      `db:"amount"`
	Category         string     `db:"category"`
	Reason           string     `db:"reason"`
	Details          string     `db:"details"`
	Status           string     `db:"status"`
	AIAnalysis       string     `db:"ai_analysis"`
	AIRecommendation string     `db:"ai_recommendation"`
	AIConfidence     *int       `db:"ai_confidence"`
	AIArbitratedAt   *time.Time `db:"ai_arbitrated_at"`
	Resolution       string     `db:"resolution"`
	ResolutionNotes  string     `db:"resolution_notes"`
	ResolvedBy       string     `db:"resolved_by"`
	ResolvedAt       *time.Time `db:"resolved_at"`
	AutoResolved     bool       `db:"auto_resolved"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

const disputeColumns = `id, order_id, escrow_id, buyer_wallet, seller_wallet, amount, category, reason, details,
	status, ai_analysis, ai_recommendation, ai_confidence, ai_arbitrated_at, resolution, resolution_notes,
	resolved_by, resolved_at, auto_resolved, created_at, updated_at`

var activeDisputeStatuses = statusArray(vo.ActiveDisputeStatuses)

func (r disputeRow) toEntity() *entity.Dispute {
	return &entity.Dispute{
		ID:               r.ID,
		OrderID:          r.OrderID,
		EscrowID:         r.EscrowID,
		BuyerWallet:      r.BuyerWallet,
		SellerWallet:     r.SellerWallet,
		Amount:           vo.Money(r.Amount),
		Category:         vo.DisputeCategory(r.Category),
		Reason:           r.Reason,
		Details:          r.Details,
		Status:           vo.DisputeStatus(r.Status),
		AIAnalysis:       r.AIAnalysis,
		AIRecommendation: vo.Recommendation(r.AIRecommendation),
		AIConfidence:     r.AIConfidence,
		AIArbitratedAt:   r.AIArbitratedAt,
		Resolution:       vo.Resolution(r.Resolution),
		ResolutionNotes:  r.ResolutionNotes,
		ResolvedBy:       r.ResolvedBy,
		ResolvedAt:       r.ResolvedAt,
		AutoResolved:     r.AutoResolved,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (r *DisputeRepositoryAdapter) Create(ctx context.Context, d *entity.Dispute) error {
	query := `
		INSERT INTO disputes (id, order_id, escrow_id, buyer_wallet, seller_wallet, amount, category, reason,
			details, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.OrderID, d.EscrowID, d.BuyerWallet, d.SellerWallet, int64(d.Amount),
		string(d.Category), d.Reason, d.Details, string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperror.New(apperror.ErrCodeConflict, "по заказу уже открыт спор")
	}
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось создать спор")
	}
	return nil
}

func (r *DisputeRepositoryAdapter) FindByID(ctx context.Context, id string) (*entity.Dispute, error) {
	var row disputeRow
	err := r.db.GetContext(ctx, &row, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrDisputeNotFound
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить спор")
	}
	return row.toEntity(), nil
}

func (r *DisputeRepositoryAdapter) FindActiveByOrderID(ctx context.Context, orderID uuid.UUID) (*entity.Dispute, error) {
	var row disputeRow
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE order_id = $1 AND status = ANY($2) LIMIT 1`
	err := r.db.GetContext(ctx, &row, query, orderID, activeDisputeStatuses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrDisputeNotFound
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить спор")
	}
	return row.toEntity(), nil
}

func (r *DisputeRepositoryAdapter) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]*entity.Dispute, error) {
	var rows []disputeRow
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE order_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &rows, query, orderID); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить споры заказа")
	}

	result := make([]*entity.Dispute, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toEntity())
	}
	return result, nil
}

func (r *DisputeRepositoryAdapter) UpdateIfStatus(ctx context.Context, d *entity.Dispute, expected ...vo.DisputeStatus) error {
	query := `
		UPDATE disputes
		SET status = $2, ai_analysis = $3, ai_recommendation = $4, ai_confidence = $5, ai_arbitrated_at = $6,
		    resolution = $7, resolution_notes = $8, resolved_by = $9, resolved_at = $10, auto_resolved = $11,
		    updated_at = $12
		WHERE id = $1 AND status = ANY($13)
	`
	res, err := r.db.ExecContext(ctx, query,
		d.ID,
		string(d.Status),
		d.AIAnalysis,
		string(d.AIRecommendation),
		d.AIConfidence,
		d.AIArbitratedAt,
		string(d.Resolution),
		d.ResolutionNotes,
		d.ResolvedBy,
		d.ResolvedAt,
		d.AutoResolved,
		d.UpdatedAt,
		statusArray(expected),
	)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось обновить спор")
	}
	return checkGuardedUpdate(res, "спора")
}
