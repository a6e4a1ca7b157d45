package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

// ErrInsufficientFunds: на кастодиальном счёте не хватает средств для пакета.
var ErrInsufficientFunds = apperror.New(apperror.ErrCodeExternal, "недостаточно средств для перевода")

type TransferLeg struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Amount vo.Money `json:"-"`
}

// TransferBatch исполняется атомарно: либо все ноги, либо ни одной.
type TransferBatch struct {
	IdempotencyKey string
	Legs           []TransferLeg
}

func (b TransferBatch) Total() vo.Money {
	var total vo.Money
	for _, leg := range b.Legs {
		total += leg.Amount
	}
	return total
}

type SettlementService interface {
	Transfer(ctx context.Context, batch TransferBatch) (reference string, err error)
}

// Verdict содержит ответ арбитра: анализ, рекомендация и уверенность 0..100.
type Verdict struct {
	Analysis       string
	Recommendation vo.Recommendation
	Confidence     int
}

type ArbitrationAdvisor interface {
	Arbitrate(ctx context.Context, caseSummary string) (Verdict, error)
}

type WebhookEvent struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	OrderID    uuid.UUID       `json:"order_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type Notifier interface {
	Deliver(ctx context.Context, url string, event WebhookEvent) error
}

// EventPublisher отправляет событие жизненного цикла подключённому кошельку.
type EventPublisher interface {
	Publish(wallet string, event string, data any)
}
