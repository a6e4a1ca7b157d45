package entity

import (
	"time"

	"github.com/google/uuid"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

// Escrow: средства покупателя на кастодиальном счёте до выплаты или возврата.
type Escrow struct {
	ID                  uuid.UUID
	OrderID             uuid.UUID
	BuyerWallet         string
	SellerWallet        string
	Amount              vo.Money
	PlatformFeeRate     vo.FeeRate
	PlatformFee         vo.Money
	SellerAmount        vo.Money
	Status              vo.EscrowStatus
	FundingReference    string
	FundedAt            *time.Time
	AutoReleaseDeadline *time.Time
	ReleasedAt          *time.Time
	RefundedAt          *time.Time
	SettlementReference string
	// SettlingKind и SettlingFrom заполнены, пока escrow в статусе settling.
	SettlingKind        string
	SettlingFrom        vo.EscrowStatus
	DisputeReason       string
	Resolution          vo.Resolution
	ResolutionNotes     string
	ResolvedBy          string
	ResolvedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewEscrow фиксирует ставку комиссии на момент создания.
func NewEscrow(orderID uuid.UUID, buyer, seller string, amount vo.Money, rate vo.FeeRate, now time.Time) (*Escrow, error) {
	if !amount.IsPositive() {
		return nil, apperror.New(apperror.ErrCodeValidation, "сумма escrow должна быть положительной")
	}
	if amount > vo.MaxMoney {
		return nil, apperror.New(apperror.ErrCodeValidation, "сумма escrow вне допустимого диапазона")
	}
	if buyer == "" || seller == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "кошельки покупателя и продавца обязательны")
	}

	fee, sellerAmount := vo.SplitFee(amount, rate)
	return &Escrow{
		ID:              uuid.New(),
		OrderID:         orderID,
		BuyerWallet:     buyer,
		SellerWallet:    seller,
		Amount:          amount,
		PlatformFeeRate: rate,
		PlatformFee:     fee,
		SellerAmount:    sellerAmount,
		Status:          vo.EscrowStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (e *Escrow) MarkFunded(reference string, now time.Time, window time.Duration) {
	deadline := now.Add(window)
	e.Status = vo.EscrowStatusFunded
	e.FundingReference = reference
	e.FundedAt = &now
	e.AutoReleaseDeadline = &deadline
	e.UpdatedAt = now
}

// BeginSettlement резервирует escrow под перевод kind до вызова settlement.
func (e *Escrow) BeginSettlement(kind string, now time.Time) {
	e.SettlingFrom = e.Status
	e.SettlingKind = kind
	e.Status = vo.EscrowStatusSettling
	e.UpdatedAt = now
}

// AbortSettlement снимает резерв: escrow возвращается в статус до перевода.
func (e *Escrow) AbortSettlement(now time.Time) {
	e.Status = e.SettlingFrom
	e.clearSettlement()
	e.UpdatedAt = now
}

func (e *Escrow) clearSettlement() {
	e.SettlingKind = ""
	e.SettlingFrom = ""
}

func (e *Escrow) MarkReleased(reference string, now time.Time) {
	e.clearSettlement()
	e.Status = vo.EscrowStatusReleased
	e.SettlementReference = reference
	e.ReleasedAt = &now
	e.UpdatedAt = now
}

func (e *Escrow) MarkRefunded(reference string, now time.Time) {
	e.clearSettlement()
	e.Status = vo.EscrowStatusRefunded
	e.SettlementReference = reference
	e.RefundedAt = &now
	e.UpdatedAt = now
}

// MarkSplit: средства разделены по решению спора.
func (e *Escrow) MarkSplit(reference string, now time.Time) {
	e.clearSettlement()
	e.Status = vo.EscrowStatusResolved
	e.SettlementReference = reference
	e.UpdatedAt = now
}

func (e *Escrow) MarkDisputed(reason string, now time.Time) {
	e.Status = vo.EscrowStatusDisputed
	e.DisputeReason = reason
	e.UpdatedAt = now
}

// StampResolution дописывает метаданные решения спора после успешного перевода.
func (e *Escrow) StampResolution(outcome vo.Resolution, notes, resolvedBy string, now time.Time) {
	e.Resolution = outcome
	e.ResolutionNotes = notes
	e.ResolvedBy = resolvedBy
	e.ResolvedAt = &now
	e.UpdatedAt = now
}

// DueForAutoRelease: funded, без спора и срок истёк.
func (e *Escrow) DueForAutoRelease(now time.Time) bool {
	return e.Status == vo.EscrowStatusFunded &&
		e.DisputeReason == "" &&
		e.AutoReleaseDeadline != nil &&
		!e.AutoReleaseDeadline.After(now)
}
