package indexer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusBlocksConnected    prometheus.Counter
	prometheusBlocksDisconnected prometheus.Counter
	prometheusBlockDuration      prometheus.Histogram
	prometheusTipHeight          prometheus.Gauge
	prometheusTxsPromoted        prometheus.Counter
	prometheusTxsInvalidated     prometheus.Counter
	prometheusMempoolAccepted    prometheus.Counter
	prometheusMempoolEvicted     prometheus.Counter
	prometheusMempoolSize        prometheus.Gauge
	prometheusRPCRetries         *prometheus.CounterVec
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusBlocksConnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grouphistory",
		Subsystem: "indexer",
		Name:      "blocks_connected",
		Help:      "Number of blocks connected",
	})
	prometheusBlocksDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grouphistory",
		Subsystem: "indexer",
		Name:      "blocks_disconnected",
		Help:      "Number of blocks disconnected by reorgs",
	})
	prometheusBlockDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grouphistory",
		Subsystem: "indexer",
		Name:      "block_duration_seconds",
		Help:      "Time to connect a block including promotion",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	prometheusTipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grouphistory",
		Subsystem: "indexer",
		Name:      "tip_height",
		Help:      "Height of the last connected block",
	})
	prometheusTxsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grouphistory",
		Subsystem: "indexer",
		Name:      "txs_promoted",
		Help:      "Mempool transactions promoted by a connected block",
	})
	prometheusTxsInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grouphistory",
		Subsystem: "indexer",
		Name:      "txs_invalidated",
		Help:      "Mempool transactions removed because they conflict with another transaction",
	})
	prometheusMempoolAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grouphistory",
		Subsystem: "mempool",
		Name:      "accepted",
		Help:      "Transactions accepted into the mempool overlay",
	})
	prometheusMempoolEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grouphistory",
		Subsystem: "mempool",
		Name:      "evicted",
		Help:      "Transactions evicted from the mempool overlay",
	})
	prometheusMempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grouphistory",
		Subsystem: "mempool",
		Name:      "size",
		Help:      "Transactions currently in the mempool overlay",
	})
	prometheusRPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grouphistory",
		Subsystem: "sync",
		Name:      "rpc_retries",
		Help:      "Retried bitcoind calls",
	}, []string{"call"})
}
