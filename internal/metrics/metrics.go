// Package metrics: счётчики Prometheus движка escrow. Все методы безопасны на nil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agent_escrow"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	settlements        *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec
	sweepReleases      *prometheus.CounterVec
	arbitrations       *prometheus.CounterVec
	autoResolutions    *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
	outboxEvents       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP запросы по маршруту, методу и коду ответа.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Длительность HTTP запросов.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Пакеты переводов по виду (release, refund, split) и результату.",
		}, []string{"kind", "result"}),
		settlementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Длительность вызова settlement.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		sweepReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_escrows_total",
			Help:      "Escrow, обработанные проходом автоосвобождения, по результату.",
		}, []string{"result"}),
		arbitrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arbitrations_total",
			Help:      "Запросы арбитража по результату.",
		}, []string{"result"}),
		autoResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_resolutions_total",
			Help:      "Попытки автоисполнения решения арбитра.",
		}, []string{"result"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Доставка вебхуков агентам по результату.",
		}, []string{"result"}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Обработанные события outbox по виду и результату.",
		}, []string{"kind", "result"}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.settlements,
		m.settlementDuration,
		m.sweepReleases,
		m.arbitrations,
		m.autoResolutions,
		m.webhookDeliveries,
		m.outboxEvents,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *Metrics) ObserveSettlement(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind, result(err)).Inc()
	m.settlementDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SweepResult: released, skipped, failed.
func (m *Metrics) SweepResult(outcome string) {
	if m == nil {
		return
	}
	m.sweepReleases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Arbitration(err error) {
	if m == nil {
		return
	}
	m.arbitrations.WithLabelValues(result(err)).Inc()
}

// AutoResolution: resolved, below_threshold, failed.
func (m *Metrics) AutoResolution(outcome string) {
	if m == nil {
		return
	}
	m.autoResolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookDelivery(outcome string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OutboxEvent(kind string, err error) {
	if m == nil {
		return
	}
	m.outboxEvents.WithLabelValues(kind, result(err)).Inc()
}

// Handler отдаёт метрики собственного реестра.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
