package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Batcher metrics
	BatchersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletclient_batchers_active",
			Help: "Number of batchers currently open across all sessions",
		},
	)

	OpsBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletclient_ops_buffered",
			Help: "Number of operations currently buffered awaiting flush",
		},
	)

	BufferBytesUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletclient_buffer_bytes_used",
			Help: "Bytes currently reserved against the per-batcher buffer limit",
		},
	)

	OpsAddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletclient_ops_added_total",
			Help: "Total number of operations added to batchers by op group",
		},
		[]string{"op_group"},
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletclient_flushes_total",
			Help: "Total number of batcher flushes by outcome",
		},
		[]string{"outcome"},
	)

	FlushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletclient_flush_latency_seconds",
			Help:    "Time from FlushAsync to the batcher completing its flush callback",
			Buckets: prometheus.DefBuckets,
		},
	)

	TabletLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletclient_tablet_lookups_total",
			Help: "Total number of meta-cache tablet lookups by outcome",
		},
		[]string{"outcome"},
	)

	TabletLookupLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletclient_tablet_lookup_latency_seconds",
			Help:    "Latency of a single tablet lookup in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RPCsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletclient_rpcs_dispatched_total",
			Help: "Total number of per-tablet RPCs dispatched by op group",
		},
		[]string{"op_group"},
	)

	RPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabletclient_rpc_latency_seconds",
			Help:    "Latency of a single tablet RPC in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op_group"},
	)

	OpsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletclient_ops_failed_total",
			Help: "Total number of operations that finished with an error",
		},
		[]string{"reason"},
	)

	// Transaction coordinator / Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletclient_txn_raft_is_leader",
			Help: "Whether this transaction coordinator node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletclient_txn_raft_log_index",
			Help: "Current Raft log index of the transaction coordinator",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletclient_txn_raft_applied_index",
			Help: "Last applied Raft log index of the transaction coordinator",
		},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletclient_transactions_total",
			Help: "Total number of distributed transactions by outcome",
		},
		[]string{"outcome"},
	)

	// Metacache metrics
	MetacacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletclient_metacache_entries",
			Help: "Number of tablet locations currently cached",
		},
	)

	MetacacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletclient_metacache_lookups_total",
			Help: "Total metacache lookups by hit/miss",
		},
		[]string{"result"},
	)

	// Driver API metrics
	DriverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletclient_driver_requests_total",
			Help: "Total driver API requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	DriverRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabletclient_driver_request_duration_seconds",
			Help:    "Driver API request latency by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		BatchersActive,
		OpsBuffered,
		BufferBytesUsed,
		OpsAddedTotal,
		FlushesTotal,
		FlushLatency,
		TabletLookupsTotal,
		TabletLookupLatency,
		RPCsDispatchedTotal,
		RPCLatency,
		OpsFailedTotal,
		RaftLeader,
		RaftLogIndex,
		RaftAppliedIndex,
		TransactionsTotal,
		MetacacheEntries,
		MetacacheHitsTotal,
		DriverRequestsTotal,
		DriverRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
