package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

type Dispute struct {
	ID           string
	OrderID      uuid.UUID
	EscrowID     *uuid.UUID
	BuyerWallet  string
	SellerWallet string
	Amount       vo.Money
	Category     vo.DisputeCategory
	Reason       string
	Details      string
	Status       vo.DisputeStatus

	AIAnalysis       string
	AIRecommendation vo.Recommendation
	AIConfidence     *int
	AIArbitratedAt   *time.Time

	Resolution      vo.Resolution
	ResolutionNotes string
	ResolvedBy      string
	ResolvedAt      *time.Time
	AutoResolved    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDisputeID выдаёт короткий читаемый код вида DSP-1A2B3C4D.
func NewDisputeID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "DSP-" + strings.ToUpper(raw[:8])
}

func NewDispute(orderID uuid.UUID, escrowID *uuid.UUID, buyer, seller string, amount vo.Money, category vo.DisputeCategory, reason, details string, now time.Time) *Dispute {
	return &Dispute{
		ID:           NewDisputeID(),
		OrderID:      orderID,
		EscrowID:     escrowID,
		BuyerWallet:  buyer,
		SellerWallet: seller,
		Amount:       amount,
		Category:     category,
		Reason:       reason,
		Details:      details,
		Status:       vo.DisputeStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (d *Dispute) ensureMutable() error {
	if d.Status.IsTerminal() {
		return apperror.Newf(apperror.ErrCodeConflict, "спор %s уже закрыт (%s)", d.ID, d.Status)
	}
	return nil
}

func (d *Dispute) MarkUnderReview(now time.Time) error {
	if err := d.ensureMutable(); err != nil {
		return err
	}
	if d.Status != vo.DisputeStatusOpen {
		return apperror.Newf(apperror.ErrCodeConflict, "взять спор на рассмотрение можно только из open, текущий статус %s", d.Status)
	}
	d.Status = vo.DisputeStatusUnderReview
	d.UpdatedAt = now
	return nil
}

// RecordArbitration сохраняет совет арбитра. Денег не двигает.
func (d *Dispute) RecordArbitration(analysis string, rec vo.Recommendation, confidence int, now time.Time) error {
	if d.Status != vo.DisputeStatusOpen && d.Status != vo.DisputeStatusUnderReview {
		return apperror.Newf(apperror.ErrCodeConflict, "арбитраж доступен только для open или under_review, текущий статус %s", d.Status)
	}
	d.AIAnalysis = analysis
	d.AIRecommendation = rec
	d.AIConfidence = &confidence
	d.AIArbitratedAt = &now
	d.Status = vo.DisputeStatusAIArbitrated
	d.UpdatedAt = now
	return nil
}

// Resolve переводит спор в терминальный статус по решению.
func (d *Dispute) Resolve(resolution vo.Resolution, notes, resolvedBy string, auto bool, now time.Time) error {
	if err := d.ensureMutable(); err != nil {
		return err
	}
	d.Resolution = resolution
	d.ResolutionNotes = notes
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	d.AutoResolved = auto
	d.Status = resolution.DisputeStatus()
	d.UpdatedAt = now
	return nil
}

// Cancel: отзыв спора покупателем.
func (d *Dispute) Cancel(now time.Time) error {
	if d.Status != vo.DisputeStatusOpen && d.Status != vo.DisputeStatusUnderReview {
		return apperror.Newf(apperror.ErrCodeConflict, "отозвать можно только open или under_review спор, текущий статус %s", d.Status)
	}
	d.Status = vo.DisputeStatusCancelled
	d.UpdatedAt = now
	return nil
}

func (d *Dispute) Confidence() int {
	if d.AIConfidence == nil {
		return 0
	}
	return *d.AIConfidence
}
