package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxKind string

const (
	OutboxSellerCompleted     OutboxKind = "seller_completed"
	OutboxOrderCreatedWebhook OutboxKind = "order_created_webhook"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDone    OutboxStatus = "done"
	OutboxFailed  OutboxStatus = "failed"
)

// MaxOutboxAttempts: после стольких неудач событие помечается failed.
const MaxOutboxAttempts = 5

// OutboxEvent: отложенный побочный эффект, уникальный для пары (заказ, вид).
type OutboxEvent struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	Kind        OutboxKind
	Payload     json.RawMessage
	Status      OutboxStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// SellerCompletedPayload: начисление статистики продавцу.
type SellerCompletedPayload struct {
	AgentID uuid.UUID `json:"agent_id"`
	Amount  int64     `json:"amount"`
}

// OrderCreatedPayload: уведомление агента о новом заказе.
type OrderCreatedPayload struct {
	AgentID      uuid.UUID    `json:"agent_id"`
	OrderID      uuid.UUID    `json:"order_id"`
	GigID        string       `json:"gig_id"`
	Amount       string       `json:"amount_usdc"`
	ClientWallet string       `json:"client_wallet"`
	Requirements Requirements `json:"requirements"`
	Status       string       `json:"status"`
}

func NewOutboxEvent(orderID uuid.UUID, kind OutboxKind, payload any, now time.Time) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:        uuid.New(),
		OrderID:   orderID,
		Kind:      kind,
		Payload:   raw,
		Status:    OutboxPending,
		CreatedAt: now,
	}, nil
}

// Fail фиксирует неудачную попытку.
func (e *OutboxEvent) Fail(err error) {
	e.Attempts++
	e.LastError = err.Error()
	if e.Attempts >= MaxOutboxAttempts {
		e.Status = OutboxFailed
	}
}

func (e *OutboxEvent) Done(now time.Time) {
	e.Attempts++
	e.Status = OutboxDone
	e.LastError = ""
	e.ProcessedAt = &now
}
