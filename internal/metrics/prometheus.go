package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Fan-out metrics
	ReplicaOps     *prometheus.CounterVec
	QuorumFailures *prometheus.CounterVec
	FallbackSweeps *prometheus.CounterVec

	// Rebalance metrics
	RebalanceRuns       *prometheus.CounterVec
	RebalanceOperations *prometheus.CounterVec
	RebalanceDuration   prometheus.Histogram

	// Ring metrics
	RingNodes        prometheus.Gauge
	RingVirtualNodes prometheus.Gauge
}

// NewMetrics creates and registers coordinator metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_coordinator_requests_total",
				Help: "Total number of coordinator operations processed",
			},
			[]string{"operation", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardkv_coordinator_request_duration_seconds",
				Help:    "Duration of coordinator operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		ReplicaOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_coordinator_replica_ops_total",
				Help: "Total number of calls issued to node stores",
			},
			[]string{"operation", "node", "status"},
		),

		QuorumFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_coordinator_quorum_failures_total",
				Help: "Total number of reads that did not reach quorum",
			},
			[]string{"operation"},
		),

		FallbackSweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_coordinator_fallback_sweeps_total",
				Help: "Total number of sweeps over non-replica nodes",
			},
			[]string{"operation", "result"},
		),

		RebalanceRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_coordinator_rebalance_runs_total",
				Help: "Total number of rebalance passes",
			},
			[]string{"status"},
		),

		RebalanceOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_coordinator_rebalance_operations_total",
				Help: "Node calls issued by rebalance passes",
			},
			[]string{"operation", "status"},
		),

		RebalanceDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shardkv_coordinator_rebalance_duration_seconds",
				Help:    "Duration of rebalance passes",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),

		RingNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shardkv_coordinator_ring_nodes",
				Help: "Number of physical nodes on the hash ring",
			},
		),

		RingVirtualNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shardkv_coordinator_ring_virtual_nodes",
				Help: "Number of virtual nodes on the hash ring",
			},
		),
	}
}

// RecordRequest records a coordinator operation
func (m *Metrics) RecordRequest(operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordReplicaOp records one node store call
func (m *Metrics) RecordReplicaOp(operation, node string, success bool) {
	if m == nil {
		return
	}
	m.ReplicaOps.WithLabelValues(operation, node, statusLabel(success)).Inc()
}

// RecordQuorumFailure records a quorum failure
func (m *Metrics) RecordQuorumFailure(operation string) {
	if m == nil {
		return
	}
	m.QuorumFailures.WithLabelValues(operation).Inc()
}

// RecordFallbackSweep records a sweep over non-replica nodes
func (m *Metrics) RecordFallbackSweep(operation string, found bool) {
	if m == nil {
		return
	}
	result := "miss"
	if found {
		result = "hit"
	}
	m.FallbackSweeps.WithLabelValues(operation, result).Inc()
}

// RecordRebalanceOp records one node call made during a rebalance
func (m *Metrics) RecordRebalanceOp(operation string, success bool) {
	if m == nil {
		return
	}
	m.RebalanceOperations.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordRebalance records a completed rebalance pass
func (m *Metrics) RecordRebalance(status string, duration float64) {
	if m == nil {
		return
	}
	m.RebalanceRuns.WithLabelValues(status).Inc()
	m.RebalanceDuration.Observe(duration)
}

// UpdateRing updates the ring gauges
func (m *Metrics) UpdateRing(nodes, virtualNodes int) {
	if m == nil {
		return
	}
	m.RingNodes.Set(float64(nodes))
	m.RingVirtualNodes.Set(float64(virtualNodes))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
