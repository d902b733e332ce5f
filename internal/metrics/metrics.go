// Package metrics provides Prometheus metrics for madengine
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for madengine
type Metrics struct {
	// Allocator metrics
	AllocationsTotal      *prometheus.CounterVec
	AllocationFailures    prometheus.Counter
	RecycledPagesTotal    prometheus.Counter
	FreeListPersistsTotal prometheus.Counter

	// Dispatcher metrics
	DispatchQueueDepth    *prometheus.GaugeVec
	DispatchLatency       *prometheus.HistogramVec
	DispatchRequestsTotal *prometheus.CounterVec

	// Chunk I/O engine metrics
	ChunkOpsTotal        *prometheus.CounterVec
	ChunkOpDuration      *prometheus.HistogramVec
	ChecksumFailuresTotal prometheus.Counter
	ChunksTotal          prometheus.Gauge

	// Engine uptime
	EngineUptimeSeconds prometheus.Gauge
	EngineStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		EngineStartTime: time.Now(),
	}

	m.AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madengine_allocations_total",
			Help: "Total number of page allocations by shard",
		},
		[]string{"core"},
	)

	m.AllocationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "madengine_allocation_failures_total",
			Help: "Total number of allocations that failed with NoSpace",
		},
	)

	m.RecycledPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "madengine_recycled_pages_total",
			Help: "Total number of pages recycled back into a shard's free list",
		},
	)

	m.FreeListPersistsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "madengine_free_list_persists_total",
			Help: "Total number of times the global free list was persisted to Meta KV",
		},
	)

	m.DispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "madengine_dispatch_queue_depth",
			Help: "Current number of messages queued for a dispatcher core",
		},
		[]string{"core"},
	)

	m.DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "madengine_dispatch_latency_seconds",
			Help:    "Latency from message post to completion, per core",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"core", "op"},
	)

	m.DispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madengine_dispatch_requests_total",
			Help: "Total number of messages dispatched, by core and outcome",
		},
		[]string{"core", "op", "status"},
	)

	m.ChunkOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "madengine_chunk_ops_total",
			Help: "Total number of chunk operations, by kind and outcome",
		},
		[]string{"operation", "status"},
	)

	m.ChunkOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "madengine_chunk_op_duration_seconds",
			Help:    "Duration of chunk operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.ChecksumFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "madengine_checksum_failures_total",
			Help: "Total number of page checksum verification failures on read",
		},
	)

	m.ChunksTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "madengine_chunks_total",
			Help: "Current number of chunks known to the engine",
		},
	)

	m.EngineUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "madengine_uptime_seconds",
			Help: "Engine uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

var (
	globalOnce    sync.Once
	globalMetrics *Metrics
)

// GetGlobalMetrics returns a process-wide Metrics instance, creating it
// on first use. Every engine instance in the process shares it, since
// Prometheus collectors can only be registered once per process.
func GetGlobalMetrics() *Metrics {
	globalOnce.Do(func() {
		globalMetrics = NewMetrics()
	})
	return globalMetrics
}

// updateUptime periodically updates the engine uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.EngineUptimeSeconds.Set(time.Since(m.EngineStartTime).Seconds())
	}
}

// RecordDispatch records one dispatcher message's outcome and latency.
func (m *Metrics) RecordDispatch(core string, op string, status string, duration time.Duration) {
	m.DispatchRequestsTotal.WithLabelValues(core, op, status).Inc()
	m.DispatchLatency.WithLabelValues(core, op).Observe(duration.Seconds())
}

// RecordChunkOp records one chunk operation's outcome and duration.
func (m *Metrics) RecordChunkOp(operation string, status string, duration time.Duration) {
	m.ChunkOpsTotal.WithLabelValues(operation, status).Inc()
	m.ChunkOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAllocation records a successful allocation on the given core's shard.
func (m *Metrics) RecordAllocation(core string, pageCount int) {
	m.AllocationsTotal.WithLabelValues(core).Add(float64(pageCount))
}
