package valueobject

import "github.com/ignatzorin/agent-escrow/internal/pkg/apperror"

type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusInProgress        OrderStatus = "in_progress"
	OrderStatusDelivered         OrderStatus = "delivered"
	OrderStatusRevisionRequested OrderStatus = "revision_requested"
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusDisputed          OrderStatus = "disputed"
	OrderStatusCancelled         OrderStatus = "cancelled"
)

// AllOrderStatuses перечисляет статусы в порядке жизненного цикла.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusInProgress,
	OrderStatusDelivered,
	OrderStatusRevisionRequested,
	OrderStatusCompleted,
	OrderStatusDisputed,
	OrderStatusCancelled,
}

func (s OrderStatus) IsValid() bool {
	for _, known := range AllOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

func NewOrderStatus(status string) (OrderStatus, error) {
	s := OrderStatus(status)
	if !s.IsValid() {
		return "", apperror.New(apperror.ErrCodeValidation, "некорректный статус заказа")
	}
	return s, nil
}

// Action: бизнес-событие над заказом.
type Action string

const (
	ActionPay             Action = "pay"
	ActionStartWork       Action = "start_work"
	ActionDeliver         Action = "deliver"
	ActionRequestRevision Action = "request_revision"
	ActionAccept          Action = "accept"
	ActionDispute         Action = "dispute"
	ActionCancel          Action = "cancel"
	ActionResolve         Action = "resolve"
)

var AllActions = []Action{
	ActionPay,
	ActionStartWork,
	ActionDeliver,
	ActionRequestRevision,
	ActionAccept,
	ActionDispute,
	ActionCancel,
	ActionResolve,
}

type Role string

const (
	RoleClient Role = "client"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
	RoleAdmin  Role = "admin"
)

var AllRoles = []Role{RoleClient, RoleAgent, RoleSystem, RoleAdmin}

func (r Role) IsValid() bool {
	switch r {
	case RoleClient, RoleAgent, RoleSystem, RoleAdmin:
		return true
	}
	return false
}

// Privileged: роли, которые не привязаны к кошельку контрагента.
func (r Role) Privileged() bool {
	return r == RoleSystem || r == RoleAdmin
}

type EscrowStatus string

const (
	EscrowStatusCreated  EscrowStatus = "created"
	EscrowStatusFunded   EscrowStatus = "funded"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
	EscrowStatusDisputed EscrowStatus = "disputed"
	EscrowStatusResolved EscrowStatus = "resolved"
	// EscrowStatusSettling: перевод зарезервирован и выполняется. Второй перевод
	// по escrow в этом статусе невозможен.
	EscrowStatusSettling EscrowStatus = "settling"
)

func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusResolved:
		return true
	}
	return false
}

type DisputeStatus string

const (
	DisputeStatusOpen           DisputeStatus = "open"
	DisputeStatusUnderReview    DisputeStatus = "under_review"
	DisputeStatusAIArbitrated   DisputeStatus = "ai_arbitrated"
	DisputeStatusAutoResolved   DisputeStatus = "auto_resolved"
	DisputeStatusResolvedBuyer  DisputeStatus = "resolved_buyer"
	DisputeStatusResolvedSeller DisputeStatus = "resolved_seller"
	DisputeStatusResolvedSplit  DisputeStatus = "resolved_split"
	DisputeStatusCancelled      DisputeStatus = "cancelled"
)

// ActiveDisputeStatuses: спор ещё не закрыт и блокирует открытие нового.
var ActiveDisputeStatuses = []DisputeStatus{
	DisputeStatusOpen,
	DisputeStatusUnderReview,
	DisputeStatusAIArbitrated,
	DisputeStatusAutoResolved,
}

func (s DisputeStatus) IsTerminal() bool {
	switch s {
	case DisputeStatusResolvedBuyer, DisputeStatusResolvedSeller, DisputeStatusResolvedSplit, DisputeStatusCancelled:
		return true
	}
	return false
}

type DisputeCategory string

const (
	CategoryQuality       DisputeCategory = "quality"
	CategoryIncomplete    DisputeCategory = "incomplete"
	CategoryTiming        DisputeCategory = "timing"
	CategoryCommunication DisputeCategory = "communication"
	CategoryMismatch      DisputeCategory = "mismatch"
	CategoryOther         DisputeCategory = "other"
)

func NewDisputeCategory(category string) (DisputeCategory, error) {
	c := DisputeCategory(category)
	switch c {
	case CategoryQuality, CategoryIncomplete, CategoryTiming, CategoryCommunication, CategoryMismatch, CategoryOther:
		return c, nil
	case "":
		return CategoryOther, nil
	}
	return "", apperror.Newf(apperror.ErrCodeValidation, "неизвестная категория спора %q", category)
}

// Resolution: итог спора, обязательный для исполнения.
type Resolution string

const (
	ResolutionRefundBuyer Resolution = "refund_buyer"
	ResolutionPaySeller   Resolution = "pay_seller"
	ResolutionSplit       Resolution = "split"
)

func NewResolution(resolution string) (Resolution, error) {
	r := Resolution(resolution)
	switch r {
	case ResolutionRefundBuyer, ResolutionPaySeller, ResolutionSplit:
		return r, nil
	}
	return "", apperror.Newf(apperror.ErrCodeValidation, "неизвестное решение спора %q", resolution)
}

// DisputeStatus возвращает терминальный статус спора для решения.
func (r Resolution) DisputeStatus() DisputeStatus {
	switch r {
	case ResolutionRefundBuyer:
		return DisputeStatusResolvedBuyer
	case ResolutionPaySeller:
		return DisputeStatusResolvedSeller
	default:
		return DisputeStatusResolvedSplit
	}
}

// Recommendation: совет арбитра, ещё не решение.
type Recommendation string

const (
	RecommendRefundBuyer   Recommendation = "refund_buyer"
	RecommendPaySeller     Recommendation = "pay_seller"
	RecommendPartialRefund Recommendation = "partial_refund"
)

// Resolution сопоставляет рекомендацию с решением: partial_refund превращается в split.
func (r Recommendation) Resolution() Resolution {
	switch r {
	case RecommendRefundBuyer:
		return ResolutionRefundBuyer
	case RecommendPaySeller:
		return ResolutionPaySeller
	default:
		return ResolutionSplit
	}
}
