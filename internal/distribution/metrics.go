package distribution

import (
	"github.com/bissquit/chat-relay/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var assignmentsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "distribution",
		Name:      "assignments_total",
		Help:      "Conversation assignment attempts by result",
	},
	[]string{"result"},
)
