package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered|retry|dead_letter|deferred
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_duration_seconds",
			Help:    "Duration of a single webhook POST",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_outbox_events_total",
			Help: "Outbox events by lifecycle stage",
		},
		[]string{"stage"}, // appended|rejected|routed|unmatched|processed
	)

	IdempotencyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_idempotency_requests_total",
			Help: "Idempotency middleware decisions",
		},
		[]string{"result"}, // claimed|replayed|in_progress|conflict|invalid|unprotected
	)
)

var registerOnce sync.Once

// MustRegister registers the collectors once per process.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			DeliveriesTotal,
			DeliveryDuration,
			OutboxEventsTotal,
			IdempotencyRequestsTotal,
		)
	})
}
