package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesIngestedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketd",
			Subsystem: "poller",
			Name:      "messages_ingested_total",
			Help:      "Total number of transport messages ingested, by protocol type.",
		},
		[]string{"type"},
	)

	messagesProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketd",
			Subsystem: "poller",
			Name:      "messages_processed_total",
			Help:      "Total number of messages dispatched, by protocol type and resulting status.",
		},
		[]string{"type", "status"}, // status: PROCESSED, WAITING, PARSING_FAILED, PROCESSING_FAILED
	)

	pollCycleDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketd",
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one poll cycle.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"}, // ingest, dispatch
	)

	connectivityGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketd",
			Subsystem: "transport",
			Name:      "online",
			Help:      "Whether the message transport answered the last probe (1) or not (0).",
		},
	)
)
