package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proposalsStoredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketd",
			Subsystem: "governance",
			Name:      "proposals_stored_total",
			Help:      "Total number of governance proposals accepted and stored.",
		},
	)

	votesStoredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketd",
			Subsystem: "governance",
			Name:      "votes_stored_total",
			Help:      "Total number of votes accepted and stored.",
		},
	)

	listingsRemovedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketd",
			Subsystem: "governance",
			Name:      "listings_removed_total",
			Help:      "Total number of listings removed by the vote removal policy.",
		},
	)
)
