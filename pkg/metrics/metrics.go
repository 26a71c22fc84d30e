// Package metrics holds the Prometheus collectors exported by the billing and
// notification services. All methods are safe on a nil receiver so callers
// that do not care about metrics can pass nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billing"

type Billing struct {
	invoicesCreated   prometheus.Counter
	invoicesCancelled prometheus.Counter
	paymentsProcessed *prometheus.CounterVec
	gatewayLatency    *prometheus.HistogramVec
	gatewayErrors     *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
}

func NewBilling(reg prometheus.Registerer) *Billing {
	f := promauto.With(reg)
	return &Billing{
		invoicesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_created_total",
			Help:      "Invoices created.",
		}),
		invoicesCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_cancelled_total",
			Help:      "Invoices cancelled.",
		}),
		paymentsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_processed_total",
			Help:      "Payment attempts by final outcome.",
		}, []string{"outcome"}),
		gatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		gatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Payment gateway errors by gateway error code.",
		}, []string{"code"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Billing events handed to the publisher, by topic and result.",
		}, []string{"topic", "result"}),
	}
}

func (m *Billing) InvoiceCreated() {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
}

func (m *Billing) InvoiceCancelled() {
	if m == nil {
		return
	}
	m.invoicesCancelled.Inc()
}

// PaymentProcessed records "completed" or "failed".
func (m *Billing) PaymentProcessed(outcome string) {
	if m == nil {
		return
	}
	m.paymentsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Billing) GatewayLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Billing) GatewayError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.gatewayErrors.WithLabelValues(code).Inc()
}

func (m *Billing) EventPublished(topic string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(topic, result).Inc()
}

type Consumer struct {
	consumed          *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
}

func NewConsumer(reg prometheus.Registerer) *Consumer {
	f := promauto.With(reg)
	return &Consumer{
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "messages_consumed_total",
			Help:      "Consumed messages by topic and result.",
		}, []string{"topic", "result"}),
		notificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "sent_total",
			Help:      "Notifications sent by channel.",
		}, []string{"channel"}),
	}
}

// Consumed records "ok", "duplicate", "retry" or "dropped".
func (m *Consumer) Consumed(topic, result string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(topic, result).Inc()
}

func (m *Consumer) NotificationSent(channel string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(channel).Inc()
}
