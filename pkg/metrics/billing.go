package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics records webhook processing and checkout initiation counters.
type BillingMetrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	checkoutStarts  *prometheus.CounterVec
	outboxPublished *prometheus.CounterVec
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Stripe webhook events by kind and outcome.",
	}, []string{"kind", "outcome"})
	webhookDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_handler_duration_seconds",
		Help:    "Duration of webhook handlers in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	checkoutStarts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sessions_total",
		Help: "Checkout session initiations by outcome.",
	}, []string{"outcome"})
	outboxPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox events published by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(webhookEvents, webhookDuration, checkoutStarts, outboxPublished)
	return &BillingMetrics{
		webhookEvents:   webhookEvents,
		webhookDuration: webhookDuration,
		checkoutStarts:  checkoutStarts,
		outboxPublished: outboxPublished,
	}
}

// ObserveWebhook records one processed webhook event.
func (b *BillingMetrics) ObserveWebhook(kind, outcome string, duration time.Duration) {
	if b == nil || b.webhookEvents == nil {
		return
	}
	b.webhookEvents.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
	b.webhookDuration.WithLabelValues(normalizeLabel(kind)).Observe(duration.Seconds())
}

// IncCheckout increments the checkout initiation counter.
func (b *BillingMetrics) IncCheckout(outcome string) {
	if b == nil || b.checkoutStarts == nil {
		return
	}
	b.checkoutStarts.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncOutboxPublished increments the outbox publish counter.
func (b *BillingMetrics) IncOutboxPublished(outcome string) {
	if b == nil || b.outboxPublished == nil {
		return
	}
	b.outboxPublished.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
