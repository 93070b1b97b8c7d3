package outbound

import (
	"time"

	"github.com/bissquit/chat-relay/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Send outcomes.
const (
	outcomeSent        = "sent"
	outcomeRetry       = "retry"
	outcomeExhausted   = "exhausted"
	outcomeTerminal    = "terminal"
	outcomeClaimLost   = "claim_lost"
	outcomeAlreadySent = "already_sent"
)

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of send requests by scheduling state",
		},
		[]string{"state"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "sends_total",
			Help:      "Send requests processed by outcome",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the transport send call",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"result"},
	)

	fetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "fetched_total",
			Help:      "Send requests selected for processing. Sum of sends_total should match this.",
		},
	)
)

func recordOutcome(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

func recordSendDuration(result string, d time.Duration) {
	sendDuration.WithLabelValues(result).Observe(d.Seconds())
}

func recordFetched(count int) {
	fetchedTotal.Add(float64(count))
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	queueSize.WithLabelValues("queued").Set(float64(stats.Queued))
	queueSize.WithLabelValues("processing").Set(float64(stats.Processing))
	queueSize.WithLabelValues("sent").Set(float64(stats.Sent))
	queueSize.WithLabelValues("retrying").Set(float64(stats.Retrying))
	queueSize.WithLabelValues("exhausted").Set(float64(stats.Exhausted))
}
