package transaction

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/domain/statemachine"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/agent-escrow/internal/usecase/dispute"
	"github.com/sirupsen/logrus"
)

type OpenDisputeInput struct {
	Category vo.DisputeCategory
	Reason   string
	Details  string
}

// OpenDispute: {delivered, revision_requested} --dispute[client]--> disputed.
// Escrow блокируется до создания записи спора; сбой создания спора уже не
// откатывает блокировку.
func (o *Orchestrator) OpenDispute(ctx context.Context, actor vo.Actor, orderID uuid.UUID, in OpenDisputeInput) (*Result, error) {
	reason := strings.TrimSpace(in.Reason)
	if utf8.RuneCountInString(reason) < o.cfg.MinDisputeReasonLength {
		return nil, apperror.Newf(apperror.ErrCodeValidation, "причина спора должна содержать не менее %d символов", o.cfg.MinDisputeReasonLength)
	}
	if in.Category == "" {
		in.Category = vo.CategoryOther
	}

	order, err := o.loadForClient(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	next, err := statemachine.Decide(order.Status, vo.ActionDispute, actor.Role)
	if err != nil {
		return nil, err
	}
	if active, err := o.disputes.GetActiveByOrder(ctx, order.ID); err == nil {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "по заказу уже открыт спор %s", active.ID)
	} else if !apperror.IsNotFound(err) {
		return nil, err
	}

	res := &Result{Order: order}
	escrowLocked := false
	sellerWallet := ""
	if e := o.linkedEscrow(ctx, res); e != nil {
		sellerWallet = e.SellerWallet
		if e.Status == vo.EscrowStatusFunded {
			disputed, err := o.ledger.OpenDispute(ctx, e.ID, reason)
			if err != nil {
				return nil, err
			}
			res.Escrow = disputed
			escrowLocked = true
		} else {
			o.warnf(res, order.ID, "escrow в статусе %s, средства спором не заблокированы", e.Status)
		}
	}
	if sellerWallet == "" {
		sellerWallet = o.agentWallet(ctx, order)
	}

	prev := order.Status
	order.MoveTo(next, o.now().UTC())
	if err := o.orders.UpdateIfStatus(ctx, order, prev); err != nil {
		if !escrowLocked {
			return nil, staleOrder(err, order.ID)
		}
		o.warn(res, order.ID, "escrow заблокирован, но статус заказа не сохранён", err)
	}

	var escrowID *uuid.UUID
	if res.Escrow != nil {
		id := res.Escrow.ID
		escrowID = &id
	}
	d, err := o.disputes.Open(ctx, dispute.OpenInput{
		OrderID:  order.ID,
		EscrowID: escrowID,
		Buyer:    order.ClientWallet,
		Seller:   sellerWallet,
		Amount:   order.Amount,
		Category: in.Category,
		Reason:   reason,
		Details:  strings.TrimSpace(in.Details),
	})
	if err != nil {
		o.warn(res, order.ID, "запись спора не создана", err)
	} else {
		res.Dispute = d
	}

	o.publish(EventDisputeOpened, res, order.ClientWallet, sellerWallet)
	return res, nil
}

// ReviewDispute берёт спор на ручное рассмотрение.
func (o *Orchestrator) ReviewDispute(ctx context.Context, actor vo.Actor, disputeID string) (*Result, error) {
	if err := requireRole(actor, vo.RoleAdmin); err != nil {
		return nil, err
	}
	d, err := o.disputes.MarkUnderReview(ctx, disputeID, actor.String())
	if err != nil {
		return nil, err
	}
	res := o.disputeResult(ctx, d)
	o.publish(EventDisputeUpdated, res, d.BuyerWallet, d.SellerWallet)
	return res, nil
}

// ArbitrateDispute запрашивает совет арбитра. Деньги не двигаются, если не
// включено автоисполнение после арбитража.
func (o *Orchestrator) ArbitrateDispute(ctx context.Context, actor vo.Actor, disputeID string) (*Result, error) {
	if err := requireRole(actor, vo.RoleAdmin, vo.RoleSystem); err != nil {
		return nil, err
	}
	d, err := o.disputes.RequestArbitration(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	if o.cfg.AutoResolveAfterArbitration {
		res, _, err := o.AutoResolveDispute(ctx, vo.SystemActor(), d.ID)
		if err == nil {
			return res, nil
		}
		res = o.disputeResult(ctx, d)
		o.warn(res, d.OrderID, "автоисполнение после арбитража не выполнено", err)
		return res, nil
	}

	res := o.disputeResult(ctx, d)
	o.publish(EventDisputeUpdated, res, d.BuyerWallet, d.SellerWallet)
	return res, nil
}

// AutoResolveDispute исполняет рекомендацию арбитра, если уверенность не ниже
// порога. Второе значение сообщает, было ли исполнение.
func (o *Orchestrator) AutoResolveDispute(ctx context.Context, actor vo.Actor, disputeID string) (*Result, bool, error) {
	if err := requireRole(actor, vo.RoleAdmin, vo.RoleSystem); err != nil {
		return nil, false, err
	}
	if d, err := o.disputes.Get(ctx, disputeID); err == nil && d.Status == vo.DisputeStatusAutoResolved {
		res, err := o.completeAutoResolution(ctx, d, d.AIRecommendation.Resolution())
		return res, err == nil, err
	}

	var settled *Result
	settle := func(ctx context.Context, d *entity.Dispute, resolution vo.Resolution) error {
		notes := fmt.Sprintf("Автоисполнение рекомендации арбитра, уверенность %d%%", d.Confidence())
		res, err := o.settleResolution(ctx, vo.RoleSystem, d, resolution, notes, dispute.ResolvedByAI)
		if err != nil {
			return err
		}
		settled = res
		return nil
	}

	d, resolved, err := o.disputes.AutoResolveIfConfident(ctx, disputeID, o.cfg.AutoResolveThreshold, settle)
	if err != nil {
		if settled == nil {
			return nil, false, err
		}
		o.warn(settled, settled.Order.ID, "деньги и заказ урегулированы, но решение спора не сохранено", err)
		return settled, true, nil
	}

	if !resolved {
		o.log.WithFields(logrus.Fields{
			"dispute_id": d.ID,
			"confidence": d.Confidence(),
			"threshold":  o.cfg.AutoResolveThreshold,
		}).Info("уверенность арбитра ниже порога, спор ждёт ручного решения")
		return o.disputeResult(ctx, d), false, nil
	}

	settled.Dispute = d
	o.publish(EventDisputeUpdated, settled, d.BuyerWallet, d.SellerWallet)
	return settled, true, nil
}

// ResolveDispute исполняет ручное решение в порядке escrow, затем заказ, затем спор.
func (o *Orchestrator) ResolveDispute(ctx context.Context, actor vo.Actor, disputeID string, resolution vo.Resolution, notes string) (*Result, error) {
	if err := requireRole(actor, vo.RoleAdmin, vo.RoleSystem); err != nil {
		return nil, err
	}
	d, err := o.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == vo.DisputeStatusAutoResolved {
		return o.completeAutoResolution(ctx, d, resolution)
	}
	if err := dispute.CheckResolvable(d); err != nil {
		return nil, err
	}

	resolvedBy := actor.String()
	res, err := o.settleResolution(ctx, actor.Role, d, resolution, notes, resolvedBy)
	if err != nil {
		return nil, err
	}

	resolved, err := o.disputes.Resolve(ctx, d.ID, resolution, notes, resolvedBy, false)
	if err != nil {
		o.warn(res, d.OrderID, "решение исполнено, но спор не закрыт", err)
		res.Dispute = d
	} else {
		res.Dispute = resolved
	}

	o.publish(EventDisputeUpdated, res, d.BuyerWallet, d.SellerWallet)
	return res, nil
}

// CancelDispute: покупатель отзывает спор и тем самым принимает результат:
// escrow выплачивается продавцу, заказ завершается, спор отменяется.
func (o *Orchestrator) CancelDispute(ctx context.Context, actor vo.Actor, disputeID string) (*Result, error) {
	d, err := o.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if actor.Role != vo.RoleClient || !actor.Owns(d.BuyerWallet) {
		return nil, apperror.New(apperror.ErrCodeForbidden, "отозвать спор может только покупатель")
	}
	if d.Status != vo.DisputeStatusOpen && d.Status != vo.DisputeStatusUnderReview {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "отозвать можно только open или under_review спор, текущий статус %s", d.Status)
	}

	res, err := o.settleResolution(ctx, vo.RoleSystem, d, vo.ResolutionPaySeller, "Покупатель отозвал спор", ResolvedByBuyerWithdrawal)
	if err != nil {
		return nil, err
	}

	cancelled, err := o.disputes.Cancel(ctx, d.ID)
	if err != nil {
		o.warn(res, d.OrderID, "средства выплачены, но спор не отменён", err)
		res.Dispute = d
	} else {
		res.Dispute = cancelled
	}

	o.publish(EventDisputeUpdated, res, d.BuyerWallet, d.SellerWallet)
	return res, nil
}

// GetDispute отдаёт спор участникам сделки и админу.
func (o *Orchestrator) GetDispute(ctx context.Context, actor vo.Actor, disputeID string) (*Result, error) {
	d, err := o.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	order, err := o.orders.FindByID(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if err := o.canView(ctx, actor, order); err != nil {
		return nil, err
	}
	return o.disputeResult(ctx, d), nil
}

// completeAutoResolution закрывает спор, застрявший в auto_resolved. Это
// возможно, только если заказ и escrow уже несут решение арбитра.
func (o *Orchestrator) completeAutoResolution(ctx context.Context, d *entity.Dispute, resolution vo.Resolution) (*Result, error) {
	if recommended := d.AIRecommendation.Resolution(); resolution != recommended {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "спор %s исполняется автоматически решением %s", d.ID, recommended)
	}
	res, done, err := o.settledEarlier(ctx, d, resolution)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "спор %s сейчас исполняется автоматически", d.ID)
	}

	resolved, err := o.disputes.CompleteAutoResolution(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	res.Dispute = resolved
	o.publish(EventDisputeUpdated, res, d.BuyerWallet, d.SellerWallet)
	return res, nil
}

// settledEarlier сообщает, что решение уже исполнено прерванной попыткой:
// заказ в итоговом статусе решения, escrow закрыт этим же решением.
// Тогда остаётся только закрыть запись спора.
func (o *Orchestrator) settledEarlier(ctx context.Context, d *entity.Dispute, resolution vo.Resolution) (*Result, bool, error) {
	order, err := o.orders.FindByID(ctx, d.OrderID)
	if err != nil {
		return nil, false, err
	}
	target, ok := statemachine.ResolvedStatus(resolution)
	if !ok || order.Status != target {
		return nil, false, nil
	}

	res := &Result{Order: order}
	e := o.disputeEscrow(ctx, res, d)
	if e != nil && (!e.Status.IsTerminal() || e.Resolution != resolution) {
		return nil, false, apperror.Newf(apperror.ErrCodeConflict,
			"заказ %s уже %s, но escrow (%s, решение %q) не совпадает с решением %s", order.ID, order.Status, e.Status, e.Resolution, resolution)
	}
	if target == vo.OrderStatusCompleted && e != nil {
		o.enqueueSellerCompleted(ctx, res, o.ledger.SellerPayout(e, resolution))
	}

	o.log.WithFields(logrus.Fields{
		"dispute_id": d.ID,
		"order_id":   order.ID,
		"resolution": resolution,
	}).Info("решение уже исполнено, закрывается только спор")
	return res, true, nil
}

func (o *Orchestrator) disputeEscrow(ctx context.Context, res *Result, d *entity.Dispute) *entity.Escrow {
	e := o.linkedEscrow(ctx, res)
	if e == nil && d.EscrowID != nil {
		if found, err := o.ledger.Get(ctx, *d.EscrowID); err == nil {
			e = found
			res.Escrow = found
		}
	}
	return e
}

// settleResolution исполняет деньги и статус заказа по решению спора.
// Ошибка возвращается, только если ничего не изменилось. Повтор после
// частичного сбоя не двигает деньги второй раз.
func (o *Orchestrator) settleResolution(ctx context.Context, role vo.Role, d *entity.Dispute, resolution vo.Resolution, notes, resolvedBy string) (*Result, error) {
	if res, done, err := o.settledEarlier(ctx, d, resolution); err != nil || done {
		return res, err
	}

	order, err := o.orders.FindByID(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	next, err := statemachine.Decide(order.Status, vo.ActionResolve, role, resolution)
	if err != nil {
		return nil, err
	}

	res := &Result{Order: order}
	moneyMoved := false
	payout := vo.Money(0)

	e := o.disputeEscrow(ctx, res, d)
	if e != nil {
		if e.Status == vo.EscrowStatusDisputed {
			settled, err := o.ledger.ResolveDispute(ctx, e.ID, resolution, notes, resolvedBy)
			if err != nil {
				return nil, err
			}
			res.Escrow = settled
			moneyMoved = true
			payout = o.ledger.SellerPayout(settled, resolution)
		} else {
			o.warnf(res, order.ID, "escrow в статусе %s, решение исполнено без перевода средств", e.Status)
		}
	}

	prev := order.Status
	order.MoveTo(next, o.now().UTC())
	if err := o.orders.UpdateIfStatus(ctx, order, prev); err != nil {
		if !moneyMoved {
			return nil, staleOrder(err, order.ID)
		}
		o.warn(res, order.ID, "средства урегулированы, но статус заказа не сохранён", err)
	} else if next == vo.OrderStatusCompleted {
		o.enqueueSellerCompleted(ctx, res, payout)
	}

	o.log.WithFields(logrus.Fields{
		"dispute_id":  d.ID,
		"order_id":    order.ID,
		"resolution":  resolution,
		"resolved_by": resolvedBy,
		"money_moved": moneyMoved,
	}).Info("решение спора исполнено")
	return res, nil
}

func (o *Orchestrator) disputeResult(ctx context.Context, d *entity.Dispute) *Result {
	res := &Result{Dispute: d}
	if order, err := o.orders.FindByID(ctx, d.OrderID); err == nil {
		res.Order = order
	}
	if d.EscrowID != nil {
		if e, err := o.ledger.Get(ctx, *d.EscrowID); err == nil {
			res.Escrow = e
		}
	}
	return res
}
