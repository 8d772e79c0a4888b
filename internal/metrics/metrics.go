// Package metrics registers the Prometheus collectors exported on the
// node's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshnode_pool_size",
			Help: "Current number of entries in a pool.",
		},
		[]string{"pool"},
	)

	// PoolTotalAdded and PoolTotalDropped mirror each Pool's own cumulative
	// counters rather than being incremented independently: Pool is the
	// authority on these totals (see pool.Stats), so the gauge is just set
	// to its current value on every sync instead of raced from two places.
	PoolTotalAdded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshnode_pool_added_total",
			Help: "Total entries ever appended to a pool.",
		},
		[]string{"pool"},
	)

	PoolTotalDropped = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshnode_pool_dropped_total",
			Help: "Total entries dropped from a pool by overflow, age, or retry exhaustion.",
		},
		[]string{"pool"},
	)

	SendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshnode_send_attempts_total",
			Help: "Total outgoing POST attempts by outcome.",
		},
		[]string{"outcome"},
	)

	CumulativeBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshnode_cumulative_batch_size",
			Help:    "Number of originals coalesced into a cumulative POST.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	AnalyzeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshnode_analyze_errors_total",
			Help: "Total analyzer callback panics recovered by the analyze loop.",
		},
	)

	FSMTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshnode_fsm_transitions_total",
			Help: "Total FSM transitions by origin and destination state.",
		},
		[]string{"from", "to"},
	)

	PersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshnode_persist_duration_seconds",
			Help:    "Time taken to serialize and write a snapshot.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshnode_persist_failures_total",
			Help: "Total persistence ticks that failed to write a snapshot.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PoolSize,
		PoolTotalAdded,
		PoolTotalDropped,
		SendAttemptsTotal,
		CumulativeBatchSize,
		AnalyzeErrorsTotal,
		FSMTransitionsTotal,
		PersistDuration,
		PersistFailuresTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
