package transaction

import (
	"context"
	"time"

	"github.com/ignatzorin/agent-escrow/internal/goroutine"
	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/sirupsen/logrus"
)

// Scheduler периодически запускает автоосвобождение и обработку outbox.
type Scheduler struct {
	orchestrator   *Orchestrator
	outbox         *OutboxProcessor
	sweepInterval  time.Duration
	outboxInterval time.Duration
	log            *logrus.Logger
}

func NewScheduler(orchestrator *Orchestrator, outbox *OutboxProcessor, sweepInterval, outboxInterval time.Duration) *Scheduler {
	return &Scheduler{
		orchestrator:   orchestrator,
		outbox:         outbox,
		sweepInterval:  sweepInterval,
		outboxInterval: outboxInterval,
		log:            logger.Get(),
	}
}

// Start запускает фоновые циклы; они завершаются вместе с ctx.
func (s *Scheduler) Start(ctx context.Context) {
	if s.sweepInterval > 0 {
		goroutine.SafeGoWithContext(ctx, "auto-release-sweep", func(ctx context.Context) {
			s.loop(ctx, "auto-release-sweep", s.sweepInterval, func(ctx context.Context) {
				if _, err := s.orchestrator.RunAutoReleaseSweep(ctx, time.Now().UTC()); err != nil {
					s.log.WithError(err).Error("проход автоосвобождения завершился ошибкой")
				}
			})
		})
	}
	if s.outboxInterval > 0 && s.outbox != nil {
		goroutine.SafeGoWithContext(ctx, "outbox", func(ctx context.Context) {
			s.loop(ctx, "outbox", s.outboxInterval, func(ctx context.Context) {
				if _, err := s.outbox.ProcessPending(ctx); err != nil {
					s.log.WithError(err).Error("обработка outbox завершилась ошибкой")
				}
			})
		})
	}

	s.log.WithFields(logrus.Fields{
		"sweep_interval":  s.sweepInterval.String(),
		"outbox_interval": s.outboxInterval.String(),
	}).Info("планировщик запущен")
}

// loop переживает panic одного прогона, цикл продолжается.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.WithField("task", name).Info("фоновая задача остановлена")
			return
		case <-ticker.C:
			goroutine.Run(name, func() { run(ctx) })
		}
	}
}
