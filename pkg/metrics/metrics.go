package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClusterWorkersCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cluster_workers_count",
			Help: "Number of live worker processes (0 in single-process mode)",
		},
	)

	WorkersStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wren_workers_started_total",
			Help: "Total number of worker processes forked",
		},
	)

	WorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_worker_restarts_total",
			Help: "Total number of worker restarts by reason",
		},
		[]string{"reason"},
	)

	HeartbeatsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_heartbeats_received_total",
			Help: "Total number of heartbeats received by worker slot",
		},
		[]string{"worker_id"},
	)

	RollingRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wren_rolling_restarts_total",
			Help: "Total number of rolling restarts triggered by reload signals",
		},
	)

	WorkerStartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wren_worker_startup_duration_seconds",
			Help:    "Time from fork to startup_finished in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Heap watch metrics (per worker process)
	HeapResidentBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wren_heap_resident_bytes",
			Help: "Resident set size sampled by the heap watch",
		},
		[]string{"worker_id"},
	)

	HeapTotalBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wren_heap_total_bytes",
			Help: "Total heap obtained from the OS sampled by the heap watch",
		},
		[]string{"worker_id"},
	)

	HeapUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wren_heap_used_bytes",
			Help: "Used heap sampled by the heap watch",
		},
		[]string{"worker_id"},
	)

	GCPauseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wren_gc_pause_seconds",
			Help:    "Garbage collection pause durations",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"worker_id"},
	)

	// Rate limiter metrics
	RateLimitReports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wren_ratelimit_counter_reports_total",
			Help: "Total number of counter snapshots received from workers",
		},
	)

	RateLimitBlockedKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wren_ratelimit_blocked_keys",
			Help: "Number of keys currently blocked by the global limiter",
		},
	)

	// Sticky dispatcher metrics
	StickyConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_sticky_connections_total",
			Help: "Total number of connections dispatched by worker slot",
		},
		[]string{"worker_id"},
	)

	// Reference service metrics
	Hitcount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitcount",
			Help: "Requests served by the simple_server reference service",
		},
		[]string{"worker_id"},
	)
)

// workerRegistry holds only the series a worker process produces, all of
// them carrying a worker_id label. Worker loopback endpoints serve this
// registry so the master's federated merge never sees a family it already
// owns with the same (empty) label set.
var workerRegistry = prometheus.NewRegistry()

func init() {
	// Register all metrics
	prometheus.MustRegister(ClusterWorkersCount)
	prometheus.MustRegister(WorkersStarted)
	prometheus.MustRegister(WorkerRestarts)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(RollingRestarts)
	prometheus.MustRegister(WorkerStartupDuration)
	prometheus.MustRegister(HeapResidentBytes)
	prometheus.MustRegister(HeapTotalBytes)
	prometheus.MustRegister(HeapUsedBytes)
	prometheus.MustRegister(GCPauseSeconds)
	prometheus.MustRegister(RateLimitReports)
	prometheus.MustRegister(RateLimitBlockedKeys)
	prometheus.MustRegister(StickyConnections)
	prometheus.MustRegister(Hitcount)

	// The per-worker subset, registered a second time into the worker
	// scrape registry.
	workerRegistry.MustRegister(HeapResidentBytes)
	workerRegistry.MustRegister(HeapTotalBytes)
	workerRegistry.MustRegister(HeapUsedBytes)
	workerRegistry.MustRegister(GCPauseSeconds)
	workerRegistry.MustRegister(Hitcount)
}

// Handler returns the Prometheus HTTP handler for this process's registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// WorkerHandler returns the scrape handler a worker exposes on its loopback
// endpoint: per-worker series only, never the process-global families.
func WorkerHandler() http.Handler {
	return promhttp.HandlerFor(workerRegistry, promhttp.HandlerOpts{})
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
