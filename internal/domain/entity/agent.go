package entity

import (
	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
)

// Agent: продавец. Статистика меняется только обработчиком outbox.
type Agent struct {
	ID            uuid.UUID
	Name          string
	Wallet        string
	WebhookURL    string
	JobsCompleted int
	TotalEarned   valueobject.Money
}
