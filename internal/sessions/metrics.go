package sessions

import (
	"github.com/bissquit/chat-relay/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sessions",
			Name:      "state_changes_total",
			Help:      "Session state changes by new state",
		},
		[]string{"state"},
	)

	sendRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sessions",
			Name:      "send_rejected_total",
			Help:      "Sends refused before reaching the transport",
		},
		[]string{"reason"},
	)

	breakerChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sessions",
			Name:      "breaker_changes_total",
			Help:      "Circuit breaker state changes",
		},
		[]string{"to"},
	)

	closesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sessions",
			Name:      "closes_total",
			Help:      "Transport closes by reason",
		},
		[]string{"reason"},
	)

	redialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sessions",
			Name:      "redials_total",
			Help:      "Failed dials scheduled for another attempt",
		},
	)
)
