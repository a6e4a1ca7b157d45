package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
)

// Все UpdateIfStatus пишут запись целиком, только если текущий статус в хранилище
// входит в expected. Иначе возвращают apperror.ErrStaleStatus.

type OrderRepository interface {
	Create(ctx context.Context, order *entity.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Order, error)
	UpdateIfStatus(ctx context.Context, order *entity.Order, expected ...vo.OrderStatus) error
}

type EscrowRepository interface {
	Create(ctx context.Context, escrow *entity.Escrow) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Escrow, error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*entity.Escrow, error)
	UpdateIfStatus(ctx context.Context, escrow *entity.Escrow, expected ...vo.EscrowStatus) error
	// FindDueForAutoRelease: funded, без причины спора, дедлайн <= now.
	FindDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*entity.Escrow, error)
}

type DisputeRepository interface {
	// Create возвращает CONFLICT, если у заказа уже есть активный спор.
	Create(ctx context.Context, dispute *entity.Dispute) error
	FindByID(ctx context.Context, id string) (*entity.Dispute, error)
	FindActiveByOrderID(ctx context.Context, orderID uuid.UUID) (*entity.Dispute, error)
	ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]*entity.Dispute, error)
	UpdateIfStatus(ctx context.Context, dispute *entity.Dispute, expected ...vo.DisputeStatus) error
}

type AgentRepository interface {
	Create(ctx context.Context, agent *entity.Agent) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Agent, error)
	// ApplyCompletion начисляет продавцу выполненный заказ ровно один раз на eventID.
	ApplyCompletion(ctx context.Context, eventID, agentID uuid.UUID, amount vo.Money) error
}

type OutboxRepository interface {
	// Enqueue молча игнорирует повтор пары (OrderID, Kind).
	Enqueue(ctx context.Context, event *entity.OutboxEvent) error
	FetchPending(ctx context.Context, limit int) ([]*entity.OutboxEvent, error)
	Save(ctx context.Context, event *entity.OutboxEvent) error
}

// SweepLocker не даёт двум проходам автоосвобождения работать одновременно.
type SweepLocker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}
