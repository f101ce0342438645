// Package metrics holds the Prometheus collectors for dialog turns and webhook calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "twilio_stub"

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	turns          *prometheus.CounterVec
	messages       prometheus.Counter
	webhooks       *prometheus.CounterVec
	webhookLatency prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialog_turns_total",
			Help:      "Dialog turns resolved, by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_messages_total",
			Help:      "Bot messages appended to channel histories.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Outbound webhook calls, by outcome.",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_request_duration_seconds",
			Help:      "Outbound webhook call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.turns, m.messages, m.webhooks, m.webhookLatency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Turn counts a resolved turn. outcome is "ok", "suspended" or "error".
func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

// Message counts one bot message.
func (m *Metrics) Message() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

// Webhook records one outbound call.
func (m *Metrics) Webhook(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
	m.webhookLatency.Observe(elapsed.Seconds())
}
