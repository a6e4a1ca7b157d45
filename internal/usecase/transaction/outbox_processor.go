package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/goroutine"
	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	outboxBatchSize = 50
	kickTimeout     = 2 * time.Minute

	WebhookOrderCreated = "order.created"
)

// OutboxProcessor исполняет отложенные побочные эффекты. Каждое событие
// идемпотентно по своему id, повторная обработка безопасна.
type OutboxProcessor struct {
	outbox   repository.OutboxRepository
	agents   repository.AgentRepository
	notifier repository.Notifier
	running  atomic.Bool
	now      func() time.Time
	metrics  *metrics.Metrics
	log      *logrus.Logger
}

func NewOutboxProcessor(outbox repository.OutboxRepository, agents repository.AgentRepository, notifier repository.Notifier, m *metrics.Metrics) *OutboxProcessor {
	return &OutboxProcessor{
		outbox:   outbox,
		agents:   agents,
		notifier: notifier,
		now:      time.Now,
		metrics:  m,
		log:      logger.Get(),
	}
}

// Kick запускает обработку в фоне, если она ещё не идёт.
func (p *OutboxProcessor) Kick() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	goroutine.SafeGo("outbox-kick", func() {
		defer p.running.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), kickTimeout)
		defer cancel()
		if _, err := p.process(ctx); err != nil {
			p.log.WithError(err).Warn("фоновая обработка outbox не удалась")
		}
	})
}

// ProcessPending обрабатывает одну пачку ожидающих событий.
func (p *OutboxProcessor) ProcessPending(ctx context.Context) (int, error) {
	return p.process(ctx)
}

func (p *OutboxProcessor) process(ctx context.Context) (int, error) {
	events, err := p.outbox.FetchPending(ctx, outboxBatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		err := p.dispatch(ctx, event)
		p.metrics.OutboxEvent(string(event.Kind), err)
		if err != nil {
			event.Fail(err)
			if isPermanent(err) {
				event.Status = entity.OutboxFailed
			}
			p.log.WithFields(logrus.Fields{
				"event_id": event.ID,
				"order_id": event.OrderID,
				"kind":     event.Kind,
				"attempts": event.Attempts,
				"status":   event.Status,
				"error":    err,
			}).Warn("событие outbox не обработано")
		} else {
			event.Done(p.now().UTC())
			processed++
		}

		if err := p.outbox.Save(ctx, event); err != nil {
			p.log.WithFields(logrus.Fields{"event_id": event.ID, "error": err}).Error("не удалось сохранить событие outbox")
		}
	}
	return processed, nil
}

func (p *OutboxProcessor) dispatch(ctx context.Context, event *entity.OutboxEvent) error {
	switch event.Kind {
	case entity.OutboxSellerCompleted:
		var payload entity.SellerCompletedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return permanentError{fmt.Errorf("разбор payload: %w", err)}
		}
		return p.agents.ApplyCompletion(ctx, event.ID, payload.AgentID, vo.Money(payload.Amount))

	case entity.OutboxOrderCreatedWebhook:
		var payload entity.OrderCreatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return permanentError{fmt.Errorf("разбор payload: %w", err)}
		}
		agent, err := p.agents.FindByID(ctx, payload.AgentID)
		if err != nil {
			return err
		}
		if agent.WebhookURL == "" {
			return nil
		}
		return p.notifier.Deliver(ctx, agent.WebhookURL, repository.WebhookEvent{
			ID:         event.ID,
			Type:       WebhookOrderCreated,
			OrderID:    event.OrderID,
			OccurredAt: event.CreatedAt,
			Data:       event.Payload,
		})
	}
	return permanentError{fmt.Errorf("неизвестный вид события %q", event.Kind)}
}

type permanentError struct{ err error }

func (e permanentError) Error() string   { return e.err.Error() }
func (e permanentError) Unwrap() error   { return e.err }
func (e permanentError) Permanent() bool { return true }

// isPermanent: повтор не поможет (4xx от получателя, битый payload).
func isPermanent(err error) bool {
	var perm interface{ Permanent() bool }
	return errors.As(err, &perm) && perm.Permanent()
}
