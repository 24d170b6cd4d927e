package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// mirrorTotal counts outbox deliveries by collection, operation and result.
	mirrorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kura_search_mirror_total",
		Help: "Index mirror attempts by collection, operation and result",
	}, []string{"collection", "operation", "result"})

	// outboxPending tracks outbox rows still awaiting delivery.
	outboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kura_search_outbox_pending",
		Help: "Outbox entries awaiting delivery to the index",
	})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kura_search_query_duration_seconds",
		Help:    "Index query plus materialization latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"collection"})
)
