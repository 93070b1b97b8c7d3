package campaigns

import (
	"github.com/bissquit/chat-relay/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "campaigns",
			Name:      "recipients_total",
			Help:      "Campaign recipients handled by the dispatcher by result",
		},
		[]string{"result"},
	)

	pausesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "campaigns",
			Name:      "pauses_total",
			Help:      "Campaigns paused by reason",
		},
		[]string{"reason"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "campaigns",
			Name:      "transitions_total",
			Help:      "Campaign status transitions",
		},
		[]string{"to"},
	)
)
