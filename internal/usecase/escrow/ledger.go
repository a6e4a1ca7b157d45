package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/metrics"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/sirupsen/logrus"
)

const sweepBatchSize = 200

// Виды пакетов settlement, они же суффикс ключа идемпотентности.
const (
	KindRelease = "release"
	KindRefund  = "refund"
	KindSplit   = "split"
)

type Config struct {
	PlatformWallet string
	CustodyAccount string
	FeeRate        vo.FeeRate
	ReleaseWindow  time.Duration
	// SplitBuyerShare: доля покупателя при решении split.
	SplitBuyerShare vo.FeeRate
}

// Ledger ведёт жизненный цикл escrow и единственный вызывает settlement.
type Ledger struct {
	repo       repository.EscrowRepository
	settlement repository.SettlementService
	cfg        Config
	now        func() time.Time
	metrics    *metrics.Metrics
	log        *logrus.Logger
}

func NewLedger(repo repository.EscrowRepository, settlement repository.SettlementService, cfg Config, m *metrics.Metrics) *Ledger {
	return &Ledger{
		repo:       repo,
		settlement: settlement,
		cfg:        cfg,
		now:        time.Now,
		metrics:    m,
		log:        logger.Get(),
	}
}

// WithClock подменяет источник времени.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Create(ctx context.Context, orderID uuid.UUID, buyer, seller string, amount vo.Money) (*entity.Escrow, error) {
	e, err := entity.NewEscrow(orderID, buyer, seller, amount, l.cfg.FeeRate, l.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := l.repo.Create(ctx, e); err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"escrow_id":    e.ID,
		"order_id":     orderID,
		"amount":       e.Amount.String(),
		"platform_fee": e.PlatformFee.String(),
	}).Info("escrow создан")
	return e, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*entity.Escrow, error) {
	return l.repo.FindByID(ctx, id)
}

func (l *Ledger) GetByOrder(ctx context.Context, orderID uuid.UUID) (*entity.Escrow, error) {
	return l.repo.FindByOrderID(ctx, orderID)
}

// MarkFunded: created -> funded, считает дедлайн автоосвобождения.
func (l *Ledger) MarkFunded(ctx context.Context, id uuid.UUID, reference string) (*entity.Escrow, error) {
	e, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != vo.EscrowStatusCreated {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "escrow %s нельзя пометить оплаченным из статуса %s", id, e.Status)
	}

	e.MarkFunded(reference, l.now().UTC(), l.cfg.ReleaseWindow)
	if err := l.repo.UpdateIfStatus(ctx, e, vo.EscrowStatusCreated); err != nil {
		return nil, err
	}
	return e, nil
}

// Release выплачивает продавцу и платформе из funded одним пакетом.
func (l *Ledger) Release(ctx context.Context, id uuid.UUID) (*entity.Escrow, error) {
	e, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != vo.EscrowStatusFunded {
		return nil, notSettleable(e, KindRelease)
	}

	err = l.settle(ctx, e, KindRelease, l.releaseLegs(e, e.SellerAmount, e.PlatformFee), func(ref string, now time.Time) {
		e.MarkReleased(ref, now)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Refund возвращает всю сумму покупателю из funded.
func (l *Ledger) Refund(ctx context.Context, id uuid.UUID) (*entity.Escrow, error) {
	e, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != vo.EscrowStatusFunded {
		return nil, notSettleable(e, KindRefund)
	}

	err = l.settle(ctx, e, KindRefund, l.refundLegs(e, e.Amount), func(ref string, now time.Time) {
		e.MarkRefunded(ref, now)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// OpenDispute доступен только для funded escrow.
func (l *Ledger) OpenDispute(ctx context.Context, id uuid.UUID, reason string) (*entity.Escrow, error) {
	e, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != vo.EscrowStatusFunded {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "спор по escrow возможен только в статусе funded, текущий %s", e.Status)
	}

	e.MarkDisputed(reason, l.now().UTC())
	if err := l.repo.UpdateIfStatus(ctx, e, vo.EscrowStatusFunded); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveDispute исполняет решение по спорному escrow. При сбое перевода escrow
// остаётся disputed, операцию можно повторить.
func (l *Ledger) ResolveDispute(ctx context.Context, id uuid.UUID, outcome vo.Resolution, notes, resolvedBy string) (*entity.Escrow, error) {
	e, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == vo.EscrowStatusSettling {
		return nil, notSettleable(e, string(outcome))
	}
	if e.Status != vo.EscrowStatusDisputed {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "escrow %s не в споре (статус %s), решение уже исполнено или не требуется", id, e.Status)
	}

	var (
		kind string
		legs []repository.TransferLeg
	)
	switch outcome {
	case vo.ResolutionPaySeller:
		kind, legs = KindRelease, l.releaseLegs(e, e.SellerAmount, e.PlatformFee)
	case vo.ResolutionRefundBuyer:
		kind, legs = KindRefund, l.refundLegs(e, e.Amount)
	case vo.ResolutionSplit:
		kind, legs = KindSplit, l.splitLegs(e)
	default:
		return nil, apperror.Newf(apperror.ErrCodeValidation, "неизвестное решение %q", outcome)
	}

	err = l.settle(ctx, e, kind, legs, func(ref string, now time.Time) {
		switch outcome {
		case vo.ResolutionPaySeller:
			e.MarkReleased(ref, now)
		case vo.ResolutionRefundBuyer:
			e.MarkRefunded(ref, now)
		default:
			e.MarkSplit(ref, now)
		}
		e.StampResolution(outcome, notes, resolvedBy, now)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetDueForAutoRelease возвращает funded escrow без спора с истёкшим дедлайном.
func (l *Ledger) GetDueForAutoRelease(ctx context.Context, now time.Time) ([]*entity.Escrow, error) {
	candidates, err := l.repo.FindDueForAutoRelease(ctx, now, sweepBatchSize)
	if err != nil {
		return nil, err
	}

	due := candidates[:0]
	for _, e := range candidates {
		if e.DueForAutoRelease(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

// SplitAmounts раскладывает сумму решения split: доля покупателя, затем остаток
// делится между продавцом и платформой по ставке escrow.
func SplitAmounts(amount vo.Money, buyerShare, feeRate vo.FeeRate) (buyer, seller, platform vo.Money) {
	buyer = buyerShare.Apply(amount)
	platform, seller = vo.SplitFee(amount-buyer, feeRate)
	return buyer, seller, platform
}

func (l *Ledger) releaseLegs(e *entity.Escrow, seller, fee vo.Money) []repository.TransferLeg {
	return nonZero(
		repository.TransferLeg{From: l.cfg.CustodyAccount, To: e.SellerWallet, Amount: seller},
		repository.TransferLeg{From: l.cfg.CustodyAccount, To: l.cfg.PlatformWallet, Amount: fee},
	)
}

func (l *Ledger) refundLegs(e *entity.Escrow, amount vo.Money) []repository.TransferLeg {
	return nonZero(repository.TransferLeg{From: l.cfg.CustodyAccount, To: e.BuyerWallet, Amount: amount})
}

func (l *Ledger) splitLegs(e *entity.Escrow) []repository.TransferLeg {
	buyer, seller, platform := SplitAmounts(e.Amount, l.cfg.SplitBuyerShare, e.PlatformFeeRate)
	return nonZero(
		repository.TransferLeg{From: l.cfg.CustodyAccount, To: e.BuyerWallet, Amount: buyer},
		repository.TransferLeg{From: l.cfg.CustodyAccount, To: e.SellerWallet, Amount: seller},
		repository.TransferLeg{From: l.cfg.CustodyAccount, To: l.cfg.PlatformWallet, Amount: platform},
	)
}

func nonZero(legs ...repository.TransferLeg) []repository.TransferLeg {
	out := legs[:0]
	for _, leg := range legs {
		if leg.Amount > 0 {
			out = append(out, leg)
		}
	}
	return out
}

// settle резервирует escrow (статус settling), выполняет перевод и пишет итог.
// Резерв ставится условной записью до вызова settlement, поэтому по одному escrow
// проходит ровно один перевод любого вида. При сбое перевода резерв снимается и
// escrow возвращается в прежний статус.
func (l *Ledger) settle(ctx context.Context, e *entity.Escrow, kind string, legs []repository.TransferLeg, finish func(ref string, now time.Time)) error {
	batch := repository.TransferBatch{
		IdempotencyKey: fmt.Sprintf("escrow:%s:%s", e.ID, kind),
		Legs:           legs,
	}
	if batch.Total() != e.Amount {
		return apperror.Newf(apperror.ErrCodeInternal, "сумма пакета %s не совпадает с суммой escrow %s", batch.Total(), e.Amount)
	}

	from := e.Status
	e.BeginSettlement(kind, l.now().UTC())
	if err := l.repo.UpdateIfStatus(ctx, e, from); err != nil {
		if errors.Is(err, apperror.ErrStaleStatus) {
			return l.lostReservation(ctx, e.ID, kind)
		}
		return err
	}

	started := time.Now()
	ref, err := l.settlement.Transfer(ctx, batch)
	l.metrics.ObserveSettlement(kind, time.Since(started), err)
	if err != nil {
		l.release(ctx, e, kind)
		l.log.WithFields(logrus.Fields{
			"escrow_id": e.ID,
			"kind":      kind,
			"error":     err,
		}).Error("перевод settlement не выполнен, статус escrow не изменён")

		if errors.Is(err, repository.ErrInsufficientFunds) || apperror.CodeOf(err) != "" {
			return err
		}
		return apperror.External(err, "перевод средств не выполнен")
	}

	finish(ref, l.now().UTC())
	if err := l.repo.UpdateIfStatus(ctx, e, vo.EscrowStatusSettling); err != nil {
		l.log.WithFields(logrus.Fields{
			"escrow_id":  e.ID,
			"kind":       kind,
			"settlement": ref,
			"error":      err,
		}).Error("перевод выполнен, но итог escrow не записан, escrow остаётся в settling")
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "перевод выполнен, но статус escrow не сохранён")
	}

	l.log.WithFields(logrus.Fields{
		"escrow_id":  e.ID,
		"kind":       kind,
		"status":     e.Status,
		"settlement": ref,
	}).Info("escrow урегулирован")
	return nil
}

// release снимает резерв после неудачного перевода.
func (l *Ledger) release(ctx context.Context, e *entity.Escrow, kind string) {
	e.AbortSettlement(l.now().UTC())
	if err := l.repo.UpdateIfStatus(ctx, e, vo.EscrowStatusSettling); err != nil {
		l.log.WithFields(logrus.Fields{
			"escrow_id": e.ID,
			"kind":      kind,
			"error":     err,
		}).Error("не удалось снять резерв перевода, escrow требует ручной проверки")
	}
}

// lostReservation объясняет, почему резерв не поставлен: параллельный вызов
// уже занял escrow или урегулировал его.
func (l *Ledger) lostReservation(ctx context.Context, id uuid.UUID, kind string) error {
	l.log.WithFields(logrus.Fields{"escrow_id": id, "kind": kind}).
		Warn("escrow занят параллельным вызовом, перевод не выполняется")

	fresh, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return apperror.Newf(apperror.ErrCodeConflict, "escrow %s изменён параллельным вызовом", id)
	}
	return notSettleable(fresh, kind)
}

func notSettleable(e *entity.Escrow, kind string) error {
	switch e.Status {
	case vo.EscrowStatusReleased:
		return apperror.Newf(apperror.ErrCodeConflict, "escrow %s уже освобождён", e.ID)
	case vo.EscrowStatusRefunded:
		return apperror.Newf(apperror.ErrCodeConflict, "escrow %s уже возвращён покупателю", e.ID)
	case vo.EscrowStatusResolved:
		return apperror.Newf(apperror.ErrCodeConflict, "escrow %s уже урегулирован по спору", e.ID)
	case vo.EscrowStatusCreated:
		return apperror.Newf(apperror.ErrCodeConflict, "escrow %s ещё не оплачен", e.ID)
	case vo.EscrowStatusDisputed:
		return apperror.Newf(apperror.ErrCodeConflict, "escrow %s в споре, %s возможен только через решение спора", e.ID, kind)
	case vo.EscrowStatusSettling:
		return apperror.Newf(apperror.ErrCodeConflict, "по escrow %s уже выполняется перевод (%s)", e.ID, e.SettlingKind)
	}
	return apperror.Newf(apperror.ErrCodeConflict, "escrow %s в статусе %s", e.ID, e.Status)
}

// SellerPayout: сумма, которую продавец получает по решению спора.
func (l *Ledger) SellerPayout(e *entity.Escrow, outcome vo.Resolution) vo.Money {
	switch outcome {
	case vo.ResolutionPaySeller:
		return e.SellerAmount
	case vo.ResolutionSplit:
		_, seller, _ := SplitAmounts(e.Amount, l.cfg.SplitBuyerShare, e.PlatformFeeRate)
		return seller
	}
	return 0
}
