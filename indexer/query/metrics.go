package query

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusQueryDuration    *prometheus.HistogramVec
	prometheusQueryPages       *prometheus.CounterVec
	prometheusQueryErrors      *prometheus.CounterVec
	prometheusDroppedEntries   prometheus.Counter
	prometheusCorruptedGroups  prometheus.Counter
	prometheusAssembledEntries prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "grouphistory",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Duration of history queries",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"operation"},
	)
	prometheusQueryPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grouphistory",
			Subsystem: "query",
			Name:      "pages",
			Help:      "Number of history pages served",
		},
		[]string{"detail"},
	)
	prometheusQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grouphistory",
			Subsystem: "query",
			Name:      "errors",
			Help:      "Number of failed queries by error code",
		},
		[]string{"operation", "code"},
	)
	prometheusDroppedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "grouphistory",
			Subsystem: "query",
			Name:      "dropped_entries",
			Help:      "Entries dropped because the transaction vanished while the page was assembled",
		},
	)
	prometheusCorruptedGroups = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "grouphistory",
			Subsystem: "query",
			Name:      "corrupted_groups",
			Help:      "Groups flagged for re-indexing",
		},
	)
	prometheusAssembledEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "grouphistory",
			Subsystem: "query",
			Name:      "assembled_entries",
			Help:      "Transaction views assembled for detail pages",
		},
	)
}
