// Package transaction связывает машину состояний заказа, escrow и споры в
// бизнес-события. Порядок шагов всегда один: решение, деньги, заказ, спор.
// Сбой после первого записанного шага не откатывает предыдущие, а попадает
// в Result.Warnings.
package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	"github.com/ignatzorin/agent-escrow/internal/domain/statemachine"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/metrics"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/agent-escrow/internal/usecase/dispute"
	"github.com/ignatzorin/agent-escrow/internal/usecase/escrow"
	"github.com/sirupsen/logrus"
)

// События для websocket подписчиков.
const (
	EventOrderCreated   = "order.created"
	EventOrderUpdated   = "order.updated"
	EventDisputeOpened  = "dispute.opened"
	EventDisputeUpdated = "dispute.updated"
)

const ResolvedByBuyerWithdrawal = "buyer_withdrawal"

type Config struct {
	MinDisputeReasonLength      int
	AutoResolveThreshold        int
	AutoResolveAfterArbitration bool
}

// Result: итог бизнес-события. Warnings не пуст, если вторичный шаг не удался.
type Result struct {
	Order    *entity.Order
	Escrow   *entity.Escrow
	Dispute  *entity.Dispute
	Warnings []string
}

// OutboxKicker запускает обработку outbox вне критического пути.
type OutboxKicker interface {
	Kick()
}

type Orchestrator struct {
	orders    repository.OrderRepository
	agents    repository.AgentRepository
	outbox    repository.OutboxRepository
	ledger    *escrow.Ledger
	disputes  *dispute.Engine
	publisher repository.EventPublisher
	kicker    OutboxKicker
	locker    repository.SweepLocker
	cfg       Config
	now       func() time.Time
	metrics   *metrics.Metrics
	log       *logrus.Logger
}

func NewOrchestrator(
	orders repository.OrderRepository,
	agents repository.AgentRepository,
	outbox repository.OutboxRepository,
	ledger *escrow.Ledger,
	disputes *dispute.Engine,
	cfg Config,
	m *metrics.Metrics,
) *Orchestrator {
	if cfg.MinDisputeReasonLength <= 0 {
		cfg.MinDisputeReasonLength = 10
	}
	if cfg.AutoResolveThreshold <= 0 {
		cfg.AutoResolveThreshold = 85
	}
	return &Orchestrator{
		orders:   orders,
		agents:   agents,
		outbox:   outbox,
		ledger:   ledger,
		disputes: disputes,
		cfg:      cfg,
		now:      time.Now,
		metrics:  m,
		log:      logger.Get(),
	}
}

func (o *Orchestrator) WithPublisher(p repository.EventPublisher) *Orchestrator {
	o.publisher = p
	return o
}

func (o *Orchestrator) WithOutboxKicker(k OutboxKicker) *Orchestrator {
	o.kicker = k
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

type CreateOrderInput struct {
	GigID            string
	AgentID          uuid.UUID
	ClientWallet     string
	Amount           vo.Money
	Requirements     entity.Requirements
	PaymentReference string
}

// CreateOrder принимает платёж: заказ, escrow, оплата escrow при наличии
// подтверждения и уведомление агента через outbox.
func (o *Orchestrator) CreateOrder(ctx context.Context, actor vo.Actor, in CreateOrderInput) (*Result, error) {
	if err := requireRole(actor, vo.RoleSystem, vo.RoleAdmin); err != nil {
		return nil, err
	}

	agent, err := o.agents.FindByID(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}

	order, err := entity.NewOrder(in.GigID, agent.ID, in.ClientWallet, in.Amount, in.Requirements, in.PaymentReference, o.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := o.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	res := &Result{Order: order}
	o.ensureEscrow(ctx, res, agent.Wallet)
	if res.Escrow != nil && in.PaymentReference != "" {
		o.fundEscrow(ctx, res, in.PaymentReference)
	}

	payload := entity.OrderCreatedPayload{
		AgentID:      agent.ID,
		OrderID:      order.ID,
		GigID:        order.GigID,
		Amount:       order.Amount.String(),
		ClientWallet: order.ClientWallet,
		Requirements: order.Requirements,
		Status:       string(order.Status),
	}
	o.enqueue(ctx, res, entity.OutboxOrderCreatedWebhook, payload)

	o.log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"agent_id": agent.ID,
		"status":   order.Status,
		"amount":   order.Amount.String(),
	}).Info("заказ создан")

	o.publish(EventOrderCreated, res, order.ClientWallet, agent.Wallet)
	return res, nil
}

// ConfirmPayment: pending --pay[system]--> paid, escrow помечается оплаченным.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, actor vo.Actor, orderID uuid.UUID, reference string) (*Result, error) {
	if reference == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "ссылка на платёж обязательна")
	}
	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireRole(actor, vo.RoleSystem); err != nil {
		return nil, err
	}
	next, err := statemachine.Decide(order.Status, vo.ActionPay, actor.Role)
	if err != nil {
		return nil, err
	}

	res := &Result{Order: order}
	agent, err := o.agents.FindByID(ctx, order.AgentID)
	if err != nil {
		return nil, err
	}
	o.ensureEscrow(ctx, res, agent.Wallet)
	if res.Escrow == nil {
		return nil, apperror.Newf(apperror.ErrCodeExternal, "не удалось подготовить escrow для заказа %s", orderID)
	}
	if res.Escrow.Status == vo.EscrowStatusCreated {
		funded, err := o.ledger.MarkFunded(ctx, res.Escrow.ID, reference)
		if err != nil {
			return nil, err
		}
		res.Escrow = funded
	}

	prev := order.Status
	order.PaymentReference = reference
	order.MoveTo(next, o.now().UTC())
	o.persistOrder(ctx, res, prev)

	o.publish(EventOrderUpdated, res, order.ClientWallet, agent.Wallet)
	return res, nil
}

// StartWork: paid --start_work[agent]--> in_progress.
func (o *Orchestrator) StartWork(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*Result, error) {
	order, agent, err := o.loadForAgent(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	next, err := statemachine.Decide(order.Status, vo.ActionStartWork, actor.Role)
	if err != nil {
		return nil, err
	}

	prev := order.Status
	order.MoveTo(next, o.now().UTC())
	if err := o.orders.UpdateIfStatus(ctx, order, prev); err != nil {
		return nil, staleOrder(err, order.ID)
	}

	res := &Result{Order: order}
	o.publish(EventOrderUpdated, res, order.ClientWallet, agent.Wallet)
	return res, nil
}

type DeliverInput struct {
	Content      string
	Deliverables []entity.Deliverable
}

// Deliver: in_progress или revision_requested --deliver[agent]--> delivered.
func (o *Orchestrator) Deliver(ctx context.Context, actor vo.Actor, orderID uuid.UUID, in DeliverInput) (*Result, error) {
	if in.Content == "" && len(in.Deliverables) == 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "нужен текст результата или хотя бы один файл")
	}
	order, agent, err := o.loadForAgent(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	next, err := statemachine.Decide(order.Status, vo.ActionDeliver, actor.Role)
	if err != nil {
		return nil, err
	}

	prev := order.Status
	now := o.now().UTC()
	order.RecordDelivery(in.Content, in.Deliverables, now)
	order.MoveTo(next, now)
	if err := o.orders.UpdateIfStatus(ctx, order, prev); err != nil {
		return nil, staleOrder(err, order.ID)
	}

	res := &Result{Order: order}
	o.publish(EventOrderUpdated, res, order.ClientWallet, agent.Wallet)
	return res, nil
}

// RequestRevision: delivered --request_revision[client]--> revision_requested.
func (o *Orchestrator) RequestRevision(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*Result, error) {
	order, err := o.loadForClient(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	next, err := statemachine.Decide(order.Status, vo.ActionRequestRevision, actor.Role)
	if err != nil {
		return nil, err
	}

	prev := order.Status
	order.RevisionCount++
	order.MoveTo(next, o.now().UTC())
	if err := o.orders.UpdateIfStatus(ctx, order, prev); err != nil {
		return nil, staleOrder(err, order.ID)
	}

	res := &Result{Order: order}
	o.publish(EventOrderUpdated, res, order.ClientWallet, o.agentWallet(ctx, order))
	return res, nil
}

// AcceptDelivery: delivered --accept[client]--> completed. Освобождение escrow
// не блокирует приёмку: сбой уходит в предупреждения.
func (o *Orchestrator) AcceptDelivery(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*Result, error) {
	order, err := o.loadForClient(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	next, err := statemachine.Decide(order.Status, vo.ActionAccept, actor.Role)
	if err != nil {
		return nil, err
	}

	res := &Result{Order: order}
	moneyMoved := false
	payout := vo.Money(0)

	if e := o.linkedEscrow(ctx, res); e != nil {
		if e.Status == vo.EscrowStatusFunded {
			released, err := o.ledger.Release(ctx, e.ID)
			if err != nil {
				o.warn(res, order.ID, "escrow не освобождён", err)
			} else {
				res.Escrow = released
				moneyMoved = true
				payout = released.SellerAmount
			}
		} else {
			o.warnf(res, order.ID, "escrow в статусе %s, освобождение пропущено", e.Status)
		}
	}

	prev := order.Status
	order.MoveTo(next, o.now().UTC())
	if err := o.orders.UpdateIfStatus(ctx, order, prev); err != nil {
		if !moneyMoved {
			return nil, staleOrder(err, order.ID)
		}
		o.warn(res, order.ID, "средства выплачены, но статус заказа не сохранён", err)
		return res, nil
	}

	if payout == 0 && res.Escrow != nil {
		payout = res.Escrow.SellerAmount
	}
	o.enqueueSellerCompleted(ctx, res, payout)

	o.log.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"money_moved": moneyMoved,
	}).Info("результат принят клиентом")

	o.publish(EventOrderUpdated, res, order.ClientWallet, o.agentWallet(ctx, order))
	return res, nil
}

// Cancel: pending/paid --cancel[client|system]--> cancelled. Оплаченный escrow
// сначала возвращается покупателю; сбой возврата отменяет операцию. Если
// средства уже ушли продавцу (автоосвобождение) или переводятся, отмена
// отклоняется.
func (o *Orchestrator) Cancel(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*Result, error) {
	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.Role == vo.RoleClient && !actor.Owns(order.ClientWallet) {
		return nil, apperror.New(apperror.ErrCodeForbidden, "кошелёк не совпадает с кошельком клиента заказа")
	}
	next, err := statemachine.Decide(order.Status, vo.ActionCancel, actor.Role)
	if err != nil {
		if rej, ok := statemachine.AsRejection(err); ok && statemachine.Allowed(order.Status, vo.ActionCancel, vo.RoleClient) {
			return nil, apperror.Wrap(rej, apperror.ErrCodeForbidden, "отменить заказ может только клиент или система")
		}
		return nil, err
	}

	res := &Result{Order: order}
	moneyMoved := false
	if e := o.linkedEscrow(ctx, res); e != nil {
		switch e.Status {
		case vo.EscrowStatusFunded:
			refunded, err := o.ledger.Refund(ctx, e.ID)
			if err != nil {
				return nil, err
			}
			res.Escrow = refunded
			moneyMoved = true
		case vo.EscrowStatusReleased, vo.EscrowStatusResolved, vo.EscrowStatusSettling:
			return nil, apperror.Newf(apperror.ErrCodeConflict,
				"заказ %s нельзя отменить: escrow в статусе %s, средства уже выплачены или переводятся", order.ID, e.Status)
		}
	}

	prev := order.Status
	order.MoveTo(next, o.now().UTC())
	if err := o.orders.UpdateIfStatus(ctx, order, prev); err != nil {
		if !moneyMoved {
			return nil, staleOrder(err, order.ID)
		}
		o.warn(res, order.ID, "средства возвращены, но статус заказа не сохранён", err)
		return res, nil
	}

	o.log.WithFields(logrus.Fields{"order_id": order.ID, "by": actor.String()}).Info("заказ отменён")
	o.publish(EventOrderUpdated, res, order.ClientWallet, o.agentWallet(ctx, order))
	return res, nil
}

// GetOrder отдаёт заказ с escrow и активным спором участнику сделки или админу.
func (o *Orchestrator) GetOrder(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*Result, error) {
	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := o.canView(ctx, actor, order); err != nil {
		return nil, err
	}

	res := &Result{Order: order}
	if e, err := o.ledger.GetByOrder(ctx, order.ID); err == nil {
		res.Escrow = e
	}
	if d, err := o.disputes.GetActiveByOrder(ctx, order.ID); err == nil {
		res.Dispute = d
	}
	return res, nil
}

// ensureEscrow создаёт и привязывает escrow, если его ещё нет. Сбой становится предупреждением.
func (o *Orchestrator) ensureEscrow(ctx context.Context, res *Result, sellerWallet string) {
	order := res.Order
	if order.HasEscrow() {
		e, err := o.ledger.Get(ctx, *order.EscrowID)
		if err != nil {
			o.warn(res, order.ID, "escrow заказа не найден", err)
			return
		}
		res.Escrow = e
		return
	}

	e, err := o.ledger.Create(ctx, order.ID, order.ClientWallet, sellerWallet, order.Amount)
	if err != nil {
		o.warn(res, order.ID, "escrow не создан", err)
		return
	}
	res.Escrow = e

	if err := order.AttachEscrow(e.ID, o.now().UTC()); err != nil {
		o.warn(res, order.ID, "escrow не привязан к заказу", err)
		return
	}
	if err := o.orders.UpdateIfStatus(ctx, order, order.Status); err != nil {
		o.warn(res, order.ID, "привязка escrow не сохранена", err)
	}
}

func (o *Orchestrator) fundEscrow(ctx context.Context, res *Result, reference string) {
	funded, err := o.ledger.MarkFunded(ctx, res.Escrow.ID, reference)
	if err != nil {
		o.warn(res, res.Order.ID, "escrow не помечен оплаченным", err)
		return
	}
	res.Escrow = funded
}

// linkedEscrow подгружает escrow заказа в res; nil, если его нет.
func (o *Orchestrator) linkedEscrow(ctx context.Context, res *Result) *entity.Escrow {
	if res.Escrow != nil {
		return res.Escrow
	}
	order := res.Order
	if !order.HasEscrow() {
		return nil
	}
	e, err := o.ledger.Get(ctx, *order.EscrowID)
	if err != nil {
		o.warn(res, order.ID, "escrow заказа не загружен", err)
		return nil
	}
	res.Escrow = e
	return e
}

// persistOrder пишет заказ после уже выполненного критического шага.
func (o *Orchestrator) persistOrder(ctx context.Context, res *Result, expected ...vo.OrderStatus) bool {
	if err := o.orders.UpdateIfStatus(ctx, res.Order, expected...); err != nil {
		o.warn(res, res.Order.ID, "статус заказа не сохранён", err)
		return false
	}
	return true
}

func (o *Orchestrator) enqueueSellerCompleted(ctx context.Context, res *Result, payout vo.Money) {
	o.enqueue(ctx, res, entity.OutboxSellerCompleted, entity.SellerCompletedPayload{
		AgentID: res.Order.AgentID,
		Amount:  int64(payout),
	})
}

// enqueue кладёт побочный эффект в outbox и будит обработчик.
func (o *Orchestrator) enqueue(ctx context.Context, res *Result, kind entity.OutboxKind, payload any) {
	event, err := entity.NewOutboxEvent(res.Order.ID, kind, payload, o.now().UTC())
	if err == nil {
		err = o.outbox.Enqueue(ctx, event)
	}
	if err != nil {
		o.warn(res, res.Order.ID, "событие outbox "+string(kind)+" не записано", err)
		return
	}
	if o.kicker != nil {
		o.kicker.Kick()
	}
}

func (o *Orchestrator) loadForClient(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*entity.Order, error) {
	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.Role != vo.RoleClient {
		return nil, apperror.New(apperror.ErrCodeForbidden, "действие доступно только клиенту заказа")
	}
	if !actor.Owns(order.ClientWallet) {
		return nil, apperror.New(apperror.ErrCodeForbidden, "кошелёк не совпадает с кошельком клиента заказа")
	}
	return order, nil
}

func (o *Orchestrator) loadForAgent(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*entity.Order, *entity.Agent, error) {
	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if actor.Role != vo.RoleAgent {
		return nil, nil, apperror.New(apperror.ErrCodeForbidden, "действие доступно только агенту заказа")
	}
	agent, err := o.agents.FindByID(ctx, order.AgentID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.Owns(agent.Wallet) {
		return nil, nil, apperror.New(apperror.ErrCodeForbidden, "кошелёк не совпадает с кошельком агента заказа")
	}
	return order, agent, nil
}

func (o *Orchestrator) canView(ctx context.Context, actor vo.Actor, order *entity.Order) error {
	switch actor.Role {
	case vo.RoleAdmin, vo.RoleSystem:
		return nil
	case vo.RoleClient:
		if actor.Owns(order.ClientWallet) {
			return nil
		}
	case vo.RoleAgent:
		if actor.Owns(o.agentWallet(ctx, order)) {
			return nil
		}
	}
	return apperror.New(apperror.ErrCodeForbidden, "заказ доступен только участникам сделки")
}

func (o *Orchestrator) agentWallet(ctx context.Context, order *entity.Order) string {
	agent, err := o.agents.FindByID(ctx, order.AgentID)
	if err != nil {
		return ""
	}
	return agent.Wallet
}

func requireRole(actor vo.Actor, roles ...vo.Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return apperror.Newf(apperror.ErrCodeForbidden, "роль %s не может выполнить действие", actor.Role)
}

// staleOrder переводит проигранную гонку в понятный конфликт.
func staleOrder(err error, orderID uuid.UUID) error {
	if apperror.IsConflict(err) {
		return apperror.Newf(apperror.ErrCodeConflict, "заказ %s уже изменён параллельным запросом", orderID)
	}
	return err
}

func (o *Orchestrator) warn(res *Result, orderID uuid.UUID, msg string, err error) {
	o.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"error":    err,
	}).Warn(msg)
	res.Warnings = append(res.Warnings, msg+": "+err.Error())
}

func (o *Orchestrator) warnf(res *Result, orderID uuid.UUID, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.log.WithFields(logrus.Fields{"order_id": orderID}).Warn(msg)
	res.Warnings = append(res.Warnings, msg)
}

// publish рассылает событие подписанным кошелькам; пустые адреса пропускаются.
func (o *Orchestrator) publish(event string, res *Result, wallets ...string) {
	if o.publisher == nil {
		return
	}
	data := map[string]any{"order": res.Order}
	if res.Escrow != nil {
		data["escrow"] = res.Escrow
	}
	if res.Dispute != nil {
		data["dispute"] = res.Dispute
	}
	for _, w := range wallets {
		if w != "" {
			o.publisher.Publish(w, event, data)
		}
	}
}
