package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
)

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Notes      string `json:"notes"`
}

type DisputeResponse struct {
	ID               string     `json:"id"`
	OrderID          uuid.UUID  `json:"order_id"`
	EscrowID         *uuid.UUID `json:"escrow_id"`
	BuyerWallet      string     `json:"buyer_wallet"`
	SellerWallet     string     `json:"seller_wallet"`
	Amount           string     `json:"amount"`
	Category         string     `json:"category"`
	Reason           string     `json:"reason"`
	Details          string     `json:"details,omitempty"`
	Status           string     `json:"status"`
	AIAnalysis       string     `json:"ai_analysis,omitempty"`
	AIRecommendation string     `json:"ai_recommendation,omitempty"`
	AIConfidence     *int       `json:"ai_confidence"`
	AIArbitratedAt   *time.Time `json:"ai_arbitrated_at"`
	Resolution       string     `json:"resolution,omitempty"`
	ResolutionNotes  string     `json:"resolution_notes,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at"`
	AutoResolved     bool       `json:"auto_resolved"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type AutoResolveResponse struct {
	Resolved bool `json:"resolved"`
	TransactionResponse
}

func ToDisputeResponse(d *entity.Dispute) *DisputeResponse {
	if d == nil {
		return nil
	}
	return &DisputeResponse{
		ID:               d.ID,
		OrderID:          d.OrderID,
		EscrowID:         d.EscrowID,
		BuyerWallet:      d.BuyerWallet,
		SellerWallet:     d.SellerWallet,
		Amount:           d.Amount.Exact(),
		Category:         string(d.Category),
		Reason:           d.Reason,
		Details:          d.Details,
		Status:           string(d.Status),
		AIAnalysis:       d.AIAnalysis,
		AIRecommendation: string(d.AIRecommendation),
		AIConfidence:     d.AIConfidence,
		AIArbitratedAt:   d.AIArbitratedAt,
		Resolution:       string(d.Resolution),
		ResolutionNotes:  d.ResolutionNotes,
		ResolvedBy:       d.ResolvedBy,
		ResolvedAt:       d.ResolvedAt,
		AutoResolved:     d.AutoResolved,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}
