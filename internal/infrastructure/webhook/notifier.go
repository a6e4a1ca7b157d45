// Package webhook доставляет события агентам по их webhook URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	maxAttempts       = 3
	perAttemptTimeout = 10 * time.Second
)

// PermanentError: получатель отверг событие (4xx), повтор бессмыслен.
type PermanentError struct {
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("webhook: получатель отклонил событие, код %d", e.StatusCode)
}

func (e *PermanentError) Permanent() bool { return true }

type Notifier struct {
	client      *http.Client
	baseBackoff time.Duration
	metrics     *metrics.Metrics
	log         *logrus.Logger
}

func NewNotifier(m *metrics.Metrics) *Notifier {
	return &Notifier{
		client:      &http.Client{Timeout: perAttemptTimeout},
		baseBackoff: time.Second,
		metrics:     m,
		log:         logger.Get(),
	}
}

// WithBackoff меняет базовую задержку между попытками (1s, 2s, ...).
func (n *Notifier) WithBackoff(d time.Duration) *Notifier {
	n.baseBackoff = d
	return n
}

// Deliver делает до трёх попыток с растущей задержкой. 4xx не повторяется,
// 5xx и сетевые ошибки повторяются. Ключ идемпотентности: <orderID>-<attempt>.
func (n *Notifier) Deliver(ctx context.Context, url string, event repository.WebhookEvent) error {
	if url == "" {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = n.attempt(ctx, url, event, body, attempt)
		if lastErr == nil {
			n.metrics.WebhookDelivery("delivered")
			return nil
		}

		if _, permanent := lastErr.(*PermanentError); permanent {
			n.metrics.WebhookDelivery("rejected")
			n.log.WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"type":     event.Type,
				"error":    lastErr,
			}).Warn("webhook отклонён получателем")
			return lastErr
		}

		n.log.WithFields(logrus.Fields{
			"order_id": event.OrderID,
			"attempt":  attempt,
			"error":    lastErr,
		}).Debug("webhook: попытка не удалась")

		if attempt == maxAttempts {
			break
		}
		delay := n.baseBackoff << (attempt - 1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	n.metrics.WebhookDelivery("failed")
	return fmt.Errorf("webhook: доставка не удалась после %d попыток: %w", maxAttempts, lastErr)
}

func (n *Notifier) attempt(ctx context.Context, url string, event repository.WebhookEvent, body []byte, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", event.OrderID, attempt))
	req.Header.Set("X-Event-Type", event.Type)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{StatusCode: resp.StatusCode}
	default:
		return fmt.Errorf("webhook: код ответа %d", resp.StatusCode)
	}
}
