package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
)

type CreateOrderRequest struct {
	GigID            string          `json:"gig_id" binding:"required"`
	AgentID          string          `json:"agent_id" binding:"required"`
	ClientWallet     string          `json:"client_wallet" binding:"required"`
	Amount           string          `json:"amount" binding:"required"`
	Requirements     RequirementsDTO `json:"requirements" binding:"required"`
	PaymentReference string          `json:"payment_reference"`
}

type RequirementsDTO struct {
	Text                string            `json:"text"`
	Inputs              map[string]string `json:"inputs,omitempty"`
	DeliveryPreferences string            `json:"delivery_preferences,omitempty"`
	FileRefs            []string          `json:"file_refs,omitempty"`
}

type ConfirmPaymentRequest struct {
	PaymentReference string `json:"payment_reference" binding:"required"`
}

type DeliverRequest struct {
	Content      string           `json:"content"`
	Deliverables []DeliverableDTO `json:"deliverables"`
}

type DeliverableDTO struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type OpenDisputeRequest struct {
	Category string `json:"category"`
	Reason   string `json:"reason" binding:"required"`
	Details  string `json:"details"`
}

type OrderResponse struct {
	ID               uuid.UUID        `json:"id"`
	GigID            string           `json:"gig_id"`
	AgentID          uuid.UUID        `json:"agent_id"`
	ClientWallet     string           `json:"client_wallet"`
	Amount           string           `json:"amount"`
	Status           string           `json:"status"`
	EscrowID         *uuid.UUID       `json:"escrow_id"`
	PaymentReference string           `json:"payment_reference,omitempty"`
	Requirements     RequirementsDTO  `json:"requirements"`
	DeliveryContent  string           `json:"delivery_content,omitempty"`
	Deliverables     []DeliverableDTO `json:"deliverables"`
	DeliveredAt      *time.Time       `json:"delivered_at"`
	RevisionCount    int              `json:"revision_count"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type EscrowResponse struct {
	ID                  uuid.UUID  `json:"id"`
	OrderID             uuid.UUID  `json:"order_id"`
	BuyerWallet         string     `json:"buyer_wallet"`
	SellerWallet        string     `json:"seller_wallet"`
	Amount              string     `json:"amount"`
	PlatformFeeBps      int64      `json:"platform_fee_bps"`
	PlatformFee         string     `json:"platform_fee"`
	SellerAmount        string     `json:"seller_amount"`
	Status              string     `json:"status"`
	FundedAt            *time.Time `json:"funded_at"`
	AutoReleaseDeadline *time.Time `json:"auto_release_deadline"`
	ReleasedAt          *time.Time `json:"released_at"`
	RefundedAt          *time.Time `json:"refunded_at"`
	SettlementReference string     `json:"settlement_reference,omitempty"`
	Resolution          string     `json:"resolution,omitempty"`
	ResolvedBy          string     `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at"`
}

// TransactionResponse: итог операции над заказом.
type TransactionResponse struct {
	Order   *OrderResponse   `json:"order,omitempty"`
	Escrow  *EscrowResponse  `json:"escrow,omitempty"`
	Dispute *DisputeResponse `json:"dispute,omitempty"`
}

func (r RequirementsDTO) ToEntity() entity.Requirements {
	return entity.Requirements{
		Text:                r.Text,
		Inputs:              r.Inputs,
		DeliveryPreferences: r.DeliveryPreferences,
		FileRefs:            r.FileRefs,
	}
}

func ToDeliverables(items []DeliverableDTO) []entity.Deliverable {
	out := make([]entity.Deliverable, 0, len(items))
	for _, d := range items {
		out = append(out, entity.Deliverable{
			Name:        d.Name,
			URL:         d.URL,
			ContentType: d.ContentType,
			Size:        d.Size,
		})
	}
	return out
}

func ToOrderResponse(order *entity.Order) *OrderResponse {
	if order == nil {
		return nil
	}

	resp := &OrderResponse{
		ID:               order.ID,
		GigID:            order.GigID,
		AgentID:          order.AgentID,
		ClientWallet:     order.ClientWallet,
		Amount:           order.Amount.Exact(),
		Status:           string(order.Status),
		EscrowID:         order.EscrowID,
		PaymentReference: order.PaymentReference,
		Requirements: RequirementsDTO{
			Text:                order.Requirements.Text,
			Inputs:              order.Requirements.Inputs,
			DeliveryPreferences: order.Requirements.DeliveryPreferences,
			FileRefs:            order.Requirements.FileRefs,
		},
		DeliveryContent: order.Delivery.Content,
		Deliverables:    make([]DeliverableDTO, 0, len(order.Delivery.Deliverables)),
		DeliveredAt:     order.Delivery.DeliveredAt,
		RevisionCount:   order.RevisionCount,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}

	for _, d := range order.Delivery.Deliverables {
		resp.Deliverables = append(resp.Deliverables, DeliverableDTO{
			Name:        d.Name,
			URL:         d.URL,
			ContentType: d.ContentType,
			Size:        d.Size,
		})
	}

	return resp
}

func ToEscrowResponse(e *entity.Escrow) *EscrowResponse {
	if e == nil {
		return nil
	}
	return &EscrowResponse{
		ID:                  e.ID,
		OrderID:             e.OrderID,
		BuyerWallet:         e.BuyerWallet,
		SellerWallet:        e.SellerWallet,
		Amount:              e.Amount.Exact(),
		PlatformFeeBps:      int64(e.PlatformFeeRate),
		PlatformFee:         e.PlatformFee.Exact(),
		SellerAmount:        e.SellerAmount.Exact(),
		Status:              string(e.Status),
		FundedAt:            e.FundedAt,
		AutoReleaseDeadline: e.AutoReleaseDeadline,
		ReleasedAt:          e.ReleasedAt,
		RefundedAt:          e.RefundedAt,
		SettlementReference: e.SettlementReference,
		Resolution:          string(e.Resolution),
		ResolvedBy:          e.ResolvedBy,
		ResolvedAt:          e.ResolvedAt,
	}
}

func ToTransactionResponse(order *entity.Order, escrow *entity.Escrow, dispute *entity.Dispute) TransactionResponse {
	return TransactionResponse{
		Order:   ToOrderResponse(order),
		Escrow:  ToEscrowResponse(escrow),
		Dispute: ToDisputeResponse(dispute),
	}
}
