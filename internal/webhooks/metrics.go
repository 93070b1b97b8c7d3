package webhooks

import (
	"github.com/bissquit/chat-relay/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Integration event deliveries by event and result",
		},
		[]string{"event", "result"},
	)

	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "webhooks",
			Name:      "dropped_total",
			Help:      "Events dropped because the delivery buffer was full or closed",
		},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "webhooks",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of integration endpoint calls",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
