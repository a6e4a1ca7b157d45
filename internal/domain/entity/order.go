package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

// Order: намерение клиента купить услугу агента.
type Order struct {
	ID               uuid.UUID
	GigID            string
	AgentID          uuid.UUID
	ClientWallet     string
	Amount           valueobject.Money
	Requirements     Requirements
	Status           valueobject.OrderStatus
	EscrowID         *uuid.UUID
	PaymentReference string
	Delivery         Delivery
	RevisionCount    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Requirements struct {
	Text                string            `json:"text"`
	Inputs              map[string]string `json:"inputs,omitempty"`
	DeliveryPreferences string            `json:"delivery_preferences,omitempty"`
	FileRefs            []string          `json:"file_refs,omitempty"`
}

type Delivery struct {
	Content      string        `json:"content,omitempty"`
	Deliverables []Deliverable `json:"deliverables,omitempty"`
	DeliveredAt  *time.Time    `json:"delivered_at,omitempty"`
}

type Deliverable struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// NewOrder создаёт заказ при приёме платежа: pending без подтверждения оплаты,
// paid если ссылка на платёж уже есть.
func NewOrder(gigID string, agentID uuid.UUID, clientWallet string, amount valueobject.Money, req Requirements, paymentReference string, now time.Time) (*Order, error) {
	if strings.TrimSpace(gigID) == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "gig_id обязателен")
	}
	if agentID == uuid.Nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "agent_id обязателен")
	}
	if strings.TrimSpace(clientWallet) == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "кошелёк клиента обязателен")
	}
	if !amount.IsPositive() {
		return nil, apperror.New(apperror.ErrCodeValidation, "сумма заказа должна быть положительной")
	}

	status := valueobject.OrderStatusPending
	if paymentReference != "" {
		status = valueobject.OrderStatusPaid
	}

	return &Order{
		ID:               uuid.New(),
		GigID:            gigID,
		AgentID:          agentID,
		ClientWallet:     clientWallet,
		Amount:           amount,
		Requirements:     req,
		Status:           status,
		PaymentReference: paymentReference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// AttachEscrow привязывает escrow один раз; повторная привязка запрещена.
func (o *Order) AttachEscrow(escrowID uuid.UUID, now time.Time) error {
	if o.EscrowID != nil {
		return apperror.New(apperror.ErrCodeConflict, "к заказу уже привязан escrow")
	}
	o.EscrowID = &escrowID
	o.UpdatedAt = now
	return nil
}

// MoveTo выставляет статус, уже одобренный машиной состояний.
func (o *Order) MoveTo(next valueobject.OrderStatus, now time.Time) {
	o.Status = next
	o.UpdatedAt = now
}

func (o *Order) RecordDelivery(content string, deliverables []Deliverable, now time.Time) {
	if content != "" {
		o.Delivery.Content = content
	}
	o.Delivery.Deliverables = append(o.Delivery.Deliverables, deliverables...)
	o.Delivery.DeliveredAt = &now
}

func (o *Order) IsOwnedBy(wallet string) bool {
	return strings.EqualFold(o.ClientWallet, wallet)
}

func (o *Order) HasEscrow() bool {
	return o.EscrowID != nil
}
