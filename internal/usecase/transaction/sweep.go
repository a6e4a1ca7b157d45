package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/sirupsen/logrus"
)

// SweepReport: итог одного прохода автоосвобождения.
type SweepReport struct {
	Due       int  `json:"due"`
	Released  int  `json:"released"`
	Completed int  `json:"completed"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	Locked    bool `json:"locked"`
}

func (o *Orchestrator) WithSweepLocker(l repository.SweepLocker) *Orchestrator {
	o.locker = l
	return o
}

// RunAutoReleaseSweep освобождает escrow с истёкшим окном. Заказ завершается,
// только если он сейчас delivered. Параллельный проход получает Locked=true.
func (o *Orchestrator) RunAutoReleaseSweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport

	if o.locker != nil {
		unlock, acquired, err := o.locker.TryLock(ctx)
		if err != nil {
			return report, err
		}
		if !acquired {
			report.Locked = true
			o.metrics.SweepResult("locked")
			o.log.Info("проход автоосвобождения уже выполняется, пропуск")
			return report, nil
		}
		defer unlock()
	}

	due, err := o.ledger.GetDueForAutoRelease(ctx, now)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	for _, e := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		released, err := o.ledger.Release(ctx, e.ID)
		if err != nil {
			if apperror.IsConflict(err) {
				report.Skipped++
				o.metrics.SweepResult("skipped")
			} else {
				report.Failed++
				o.metrics.SweepResult("failed")
			}
			o.log.WithFields(logrus.Fields{"escrow_id": e.ID, "error": err}).Warn("автоосвобождение не выполнено")
			continue
		}
		report.Released++
		o.metrics.SweepResult("released")

		if o.completeAfterRelease(ctx, released.OrderID, released.SellerAmount) {
			report.Completed++
		}
	}

	o.log.WithFields(logrus.Fields{
		"due":       report.Due,
		"released":  report.Released,
		"completed": report.Completed,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}).Info("проход автоосвобождения завершён")
	return report, nil
}

// completeAfterRelease завершает заказ после автоосвобождения. Спорный или
// отменённый заказ не трогается.
func (o *Orchestrator) completeAfterRelease(ctx context.Context, orderID uuid.UUID, payout vo.Money) bool {
	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		o.log.WithFields(logrus.Fields{"order_id": orderID, "error": err}).Warn("заказ освобождённого escrow не найден")
		return false
	}
	if order.Status != vo.OrderStatusDelivered {
		o.log.WithFields(logrus.Fields{"order_id": orderID, "status": order.Status}).
			Info("escrow освобождён, статус заказа не меняется")
		return false
	}

	order.MoveTo(vo.OrderStatusCompleted, o.now().UTC())
	if err := o.orders.UpdateIfStatus(ctx, order, vo.OrderStatusDelivered); err != nil {
		o.log.WithFields(logrus.Fields{"order_id": orderID, "error": err}).Warn("заказ после автоосвобождения не завершён")
		return false
	}

	res := &Result{Order: order}
	o.enqueueSellerCompleted(ctx, res, payout)
	o.publish(EventOrderUpdated, res, order.ClientWallet, o.agentWallet(ctx, order))
	return true
}
