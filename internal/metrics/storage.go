package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StorageMetrics holds node store metrics. A nil *StorageMetrics records nothing.
type StorageMetrics struct {
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheItems   prometheus.Gauge
	Flushes      *prometheus.CounterVec
	FlushedOps   prometheus.Counter
	PendingOps   prometheus.Gauge
	FlushLatency prometheus.Histogram
}

// NewStorageMetrics creates and registers node store metrics on reg
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	factory := promauto.With(reg)

	return &StorageMetrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "shardkv_storage_cache_hits_total",
			Help: "Total number of cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "shardkv_storage_cache_misses_total",
			Help: "Total number of cache misses",
		}),
		CacheItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shardkv_storage_cache_items",
			Help: "Number of items held in the cache",
		}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shardkv_storage_flushes_total",
			Help: "Total number of write-back flushes",
		}, []string{"status"}),
		FlushedOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "shardkv_storage_flushed_operations_total",
			Help: "Total number of operations persisted by flushes",
		}),
		PendingOps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shardkv_storage_pending_operations",
			Help: "Operations waiting for the next flush",
		}),
		FlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardkv_storage_flush_duration_seconds",
			Help:    "Duration of write-back flushes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordCacheLookup records a cache hit or miss
func (m *StorageMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordFlush records one flush and the number of operations it persisted
func (m *StorageMetrics) RecordFlush(success bool, ops int, seconds float64) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(statusLabel(success)).Inc()
	if success {
		m.FlushedOps.Add(float64(ops))
	}
	m.FlushLatency.Observe(seconds)
}

// SetPending updates the pending operations gauge
func (m *StorageMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingOps.Set(float64(n))
}

// SetCacheItems updates the cache size gauge
func (m *StorageMetrics) SetCacheItems(n int) {
	if m == nil {
		return
	}
	m.CacheItems.Set(float64(n))
}
