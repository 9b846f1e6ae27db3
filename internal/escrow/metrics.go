package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	coinSelectionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketd",
			Subsystem: "escrow",
			Name:      "coin_selections_total",
			Help:      "Total number of coin selections by strategy.",
		},
		[]string{"strategy"}, // exact, subset_exact, subset_margin, split, greedy, insufficient
	)

	escrowTxCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketd",
			Subsystem: "escrow",
			Name:      "transactions_total",
			Help:      "Total number of escrow transactions built, by kind and result.",
		},
		[]string{"kind", "result"}, // kind: funding, lock, release, refund; result: ok, error
	)
)
