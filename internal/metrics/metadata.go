package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metadata store operation label values.
const (
	OpGet          = "get"
	OpPut          = "put"
	OpDelete       = "delete"
	OpList         = "list"
	OpPutEphemeral = "put_ephemeral"
	OpNotify       = "notifications"
)

// MetadataMetrics holds metrics for metadata store operations.
type MetadataMetrics struct {
	// LatencyHistogram tracks operation latencies by operation and status.
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal counts operations by operation and status.
	RequestsTotal *prometheus.CounterVec
}

// DefaultMetadataLatencyBuckets suit metadata calls, which are typically
// sub-millisecond to tens of milliseconds.
var DefaultMetadataLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
}

// NewMetadataMetrics creates metadata metrics on the default registerer.
func NewMetadataMetrics() *MetadataMetrics {
	return newMetadataMetrics(nil)
}

// NewMetadataMetricsWithRegistry creates metadata metrics on reg.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer) *MetadataMetrics {
	return newMetadataMetrics(reg)
}

func newMetadataMetrics(reg prometheus.Registerer) *MetadataMetrics {
	f := factory(reg)
	return &MetadataMetrics{
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "metadata",
			Name:      "operation_latency_seconds",
			Help:      "Metadata store operation latency in seconds, by operation and status.",
			Buckets:   DefaultMetadataLatencyBuckets,
		}, []string{"operation", "status"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "metadata",
			Name:      "operations_total",
			Help:      "Total metadata store operations, by operation and status.",
		}, []string{"operation", "status"}),
	}
}

// RecordOperation records one metadata store call.
func (m *MetadataMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
}
