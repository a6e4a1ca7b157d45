package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

const (
	// ResolvedByAI: отметка автоматического исполнения решения арбитра.
	ResolvedByAI = "ai_auto"

	DefaultArbitrationTimeout = 45 * time.Second
)

// SettleFunc исполняет деньги и заказ для решения. Вызывается при автоисполнении,
// пока спор удерживается в статусе auto_resolved.
type SettleFunc func(ctx context.Context, d *entity.Dispute, resolution vo.Resolution) error

type OpenInput struct {
	OrderID  uuid.UUID
	EscrowID *uuid.UUID
	Buyer    string
	Seller   string
	Amount   vo.Money
	Category vo.DisputeCategory
	Reason   string
	Details  string
}

type Engine struct {
	repo               repository.DisputeRepository
	orders             repository.OrderRepository
	advisor            repository.ArbitrationAdvisor
	arbitrationTimeout time.Duration
	now                func() time.Time
	metrics            *metrics.Metrics
	log                *logrus.Logger
}

func NewEngine(repo repository.DisputeRepository, orders repository.OrderRepository, advisor repository.ArbitrationAdvisor, arbitrationTimeout time.Duration, m *metrics.Metrics) *Engine {
	if arbitrationTimeout <= 0 {
		arbitrationTimeout = DefaultArbitrationTimeout
	}
	return &Engine{
		repo:               repo,
		orders:             orders,
		advisor:            advisor,
		arbitrationTimeout: arbitrationTimeout,
		now:                time.Now,
		metrics:            m,
		log:                logger.Get(),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Get(ctx context.Context, id string) (*entity.Dispute, error) {
	return e.repo.FindByID(ctx, id)
}

func (e *Engine) GetActiveByOrder(ctx context.Context, orderID uuid.UUID) (*entity.Dispute, error) {
	return e.repo.FindActiveByOrderID(ctx, orderID)
}

func (e *Engine) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*entity.Dispute, error) {
	return e.repo.ListByOrderID(ctx, orderID)
}

// Open создаёт спор; второй активный спор по заказу запрещён.
func (e *Engine) Open(ctx context.Context, in OpenInput) (*entity.Dispute, error) {
	existing, err := e.repo.FindActiveByOrderID(ctx, in.OrderID)
	if err == nil {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "по заказу уже открыт спор %s", existing.ID)
	}
	if !apperror.IsNotFound(err) {
		return nil, err
	}

	d := entity.NewDispute(in.OrderID, in.EscrowID, in.Buyer, in.Seller, in.Amount, in.Category, in.Reason, in.Details, e.now().UTC())
	if err := e.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"dispute_id": d.ID,
		"order_id":   d.OrderID,
		"category":   d.Category,
	}).Info("спор открыт")
	return d, nil
}

// MarkUnderReview: open -> under_review, спор взят на ручное рассмотрение.
func (e *Engine) MarkUnderReview(ctx context.Context, id, reviewer string) (*entity.Dispute, error) {
	d, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.MarkUnderReview(e.now().UTC()); err != nil {
		return nil, err
	}
	if err := e.repo.UpdateIfStatus(ctx, d, vo.DisputeStatusOpen); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"dispute_id": id, "reviewer": reviewer}).Info("спор взят на рассмотрение")
	return d, nil
}

// RequestArbitration запрашивает совет арбитра. При сбое или таймауте спор не меняется.
func (e *Engine) RequestArbitration(ctx context.Context, id string) (*entity.Dispute, error) {
	d, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := d.Status
	if prev != vo.DisputeStatusOpen && prev != vo.DisputeStatusUnderReview {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "арбитраж доступен только для open или under_review, текущий статус %s", prev)
	}
	if e.advisor == nil {
		return nil, apperror.New(apperror.ErrCodeExternal, "арбитр не настроен")
	}

	order, err := e.orders.FindByID(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.arbitrationTimeout)
	defer cancel()

	verdict, err := e.advisor.Arbitrate(callCtx, BuildCaseSummary(d, order))
	e.metrics.Arbitration(err)
	if err != nil {
		e.log.WithFields(logrus.Fields{"dispute_id": id, "error": err}).Warn("арбитраж не выполнен")
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, apperror.External(err, "арбитр не ответил вовремя, запросите арбитраж повторно")
		}
		if apperror.CodeOf(err) != "" {
			return nil, err
		}
		return nil, apperror.External(err, "арбитраж недоступен")
	}

	rec := verdict.Recommendation
	switch rec {
	case vo.RecommendRefundBuyer, vo.RecommendPaySeller, vo.RecommendPartialRefund:
	default:
		rec = vo.RecommendPartialRefund
	}
	confidence := verdict.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 100 {
		confidence = 100
	}

	if err := d.RecordArbitration(verdict.Analysis, rec, confidence, e.now().UTC()); err != nil {
		return nil, err
	}
	if err := e.repo.UpdateIfStatus(ctx, d, prev); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"dispute_id":     id,
		"recommendation": rec,
		"confidence":     confidence,
	}).Info("арбитраж получен")
	return d, nil
}

// AutoResolveIfConfident исполняет рекомендацию арбитра, если уверенность не
// ниже порога. Спор захватывается переводом ai_arbitrated -> auto_resolved,
// поэтому параллельный вызов получит конфликт. При сбое settle захват снимается.
func (e *Engine) AutoResolveIfConfident(ctx context.Context, id string, threshold int, settle SettleFunc) (*entity.Dispute, bool, error) {
	d, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if d.Status != vo.DisputeStatusAIArbitrated {
		return nil, false, apperror.Newf(apperror.ErrCodeConflict, "автоисполнение возможно только после арбитража, текущий статус %s", d.Status)
	}
	if d.AIConfidence == nil || d.Confidence() < threshold {
		e.metrics.AutoResolution("below_threshold")
		return d, false, nil
	}

	resolution := d.AIRecommendation.Resolution()

	d.Status = vo.DisputeStatusAutoResolved
	d.UpdatedAt = e.now().UTC()
	if err := e.repo.UpdateIfStatus(ctx, d, vo.DisputeStatusAIArbitrated); err != nil {
		return nil, false, err
	}

	if err := settle(ctx, d, resolution); err != nil {
		e.metrics.AutoResolution("failed")
		d.Status = vo.DisputeStatusAIArbitrated
		d.UpdatedAt = e.now().UTC()
		if rbErr := e.repo.UpdateIfStatus(ctx, d, vo.DisputeStatusAutoResolved); rbErr != nil {
			e.log.WithFields(logrus.Fields{"dispute_id": id, "error": rbErr}).
				Error("не удалось снять захват автоисполнения, спор требует ручной проверки")
		}
		return nil, false, err
	}

	if err := e.finishAuto(ctx, d); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// CompleteAutoResolution закрывает спор, оставшийся в auto_resolved после
// того, как деньги и заказ уже урегулированы по рекомендации арбитра.
// Вызывающий сам проверяет, что урегулирование действительно состоялось.
func (e *Engine) CompleteAutoResolution(ctx context.Context, id string) (*entity.Dispute, error) {
	d, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != vo.DisputeStatusAutoResolved {
		return nil, apperror.Newf(apperror.ErrCodeConflict, "спор %s не ожидает завершения автоисполнения, статус %s", id, d.Status)
	}
	if err := e.finishAuto(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) finishAuto(ctx context.Context, d *entity.Dispute) error {
	resolution := d.AIRecommendation.Resolution()
	notes := fmt.Sprintf("Автоисполнение рекомендации %s (уверенность %d%%)", d.AIRecommendation, d.Confidence())
	if err := d.Resolve(resolution, notes, ResolvedByAI, true, e.now().UTC()); err != nil {
		return err
	}
	if err := e.repo.UpdateIfStatus(ctx, d, vo.DisputeStatusAutoResolved); err != nil {
		return err
	}

	e.metrics.AutoResolution("resolved")
	e.log.WithFields(logrus.Fields{
		"dispute_id": d.ID,
		"resolution": resolution,
		"confidence": d.Confidence(),
	}).Info("спор исполнен автоматически")
	return nil
}

// Resolve фиксирует решение спора. Деньги к этому моменту уже должны быть урегулированы.
func (e *Engine) Resolve(ctx context.Context, id string, resolution vo.Resolution, notes, resolvedBy string, auto bool) (*entity.Dispute, error) {
	d, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckResolvable(d); err != nil {
		return nil, err
	}
	prev := d.Status

	if err := d.Resolve(resolution, notes, resolvedBy, auto, e.now().UTC()); err != nil {
		return nil, err
	}
	if err := e.repo.UpdateIfStatus(ctx, d, prev); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"dispute_id":  id,
		"resolution":  resolution,
		"resolved_by": resolvedBy,
	}).Info("спор разрешён")
	return d, nil
}

// Cancel: отзыв спора покупателем из open или under_review.
func (e *Engine) Cancel(ctx context.Context, id string) (*entity.Dispute, error) {
	d, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := d.Status
	if err := d.Cancel(e.now().UTC()); err != nil {
		return nil, err
	}
	if err := e.repo.UpdateIfStatus(ctx, d, prev); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"dispute_id": id}).Info("спор отозван покупателем")
	return d, nil
}

// CheckResolvable: ручное решение возможно из open, under_review и ai_arbitrated.
func CheckResolvable(d *entity.Dispute) error {
	switch d.Status {
	case vo.DisputeStatusOpen, vo.DisputeStatusUnderReview, vo.DisputeStatusAIArbitrated:
		return nil
	case vo.DisputeStatusAutoResolved:
		return apperror.Newf(apperror.ErrCodeConflict, "спор %s сейчас исполняется автоматически", d.ID)
	}
	return apperror.Newf(apperror.ErrCodeConflict, "спор %s уже закрыт (%s)", d.ID, d.Status)
}

// BuildCaseSummary собирает описание спора для арбитра.
func BuildCaseSummary(d *entity.Dispute, o *entity.Order) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Спор %s по заказу %s\n", d.ID, d.OrderID)
	fmt.Fprintf(&b, "Сумма: %s USDC\n", d.Amount)
	fmt.Fprintf(&b, "Категория: %s\n", d.Category)
	fmt.Fprintf(&b, "Претензия клиента: %s\n", d.Reason)
	if d.Details != "" {
		fmt.Fprintf(&b, "Подробности: %s\n", d.Details)
	}

	if o != nil {
		b.WriteString("\nТребования заказа:\n")
		b.WriteString(orDash(o.Requirements.Text))
		b.WriteString("\n")
		for k, v := range o.Requirements.Inputs {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
		if o.Requirements.DeliveryPreferences != "" {
			fmt.Fprintf(&b, "Пожелания к сдаче: %s\n", o.Requirements.DeliveryPreferences)
		}
		if len(o.Requirements.FileRefs) > 0 {
			fmt.Fprintf(&b, "Файлы клиента: %s\n", strings.Join(o.Requirements.FileRefs, ", "))
		}

		b.WriteString("\nРезультат агента:\n")
		b.WriteString(orDash(o.Delivery.Content))
		b.WriteString("\n")
		for _, del := range o.Delivery.Deliverables {
			fmt.Fprintf(&b, "- файл %s (%s)\n", del.Name, del.ContentType)
		}
		if o.RevisionCount > 0 {
			fmt.Fprintf(&b, "Запрошено доработок: %d\n", o.RevisionCount)
		}

		b.WriteString("\nХронология:\n")
		fmt.Fprintf(&b, "- заказ создан: %s\n", o.CreatedAt.Format(time.RFC3339))
		if o.Delivery.DeliveredAt != nil {
			fmt.Fprintf(&b, "- результат сдан: %s\n", o.Delivery.DeliveredAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintf(&b, "- спор открыт: %s\n", d.CreatedAt.Format(time.RFC3339))

	return b.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
