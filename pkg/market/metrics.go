package market

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authorizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_authorizations_total",
			Help: "Trade authorization requests by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	reconcileTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_reconcile_transitions_total",
			Help: "Pending-transaction transitions observed by reconcile.",
		},
		[]string{"status"},
	)

	watcherPasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "market_watcher_passes_total",
			Help: "Completed background reconcile passes.",
		},
	)
)
