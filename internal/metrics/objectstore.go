package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Object store operation label values.
const (
	OpObjPut    = "put"
	OpObjGet    = "get"
	OpObjHead   = "head"
	OpObjDelete = "delete"
	OpObjList   = "list"
)

// Bytes direction label values.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// ObjectStoreMetrics holds metrics for object store operations.
type ObjectStoreMetrics struct {
	LatencyHistogram *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
	// BytesTotal tracks bytes transferred by direction.
	BytesTotal *prometheus.CounterVec
}

// DefaultObjectStoreLatencyBuckets range from tens of milliseconds to a minute.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewObjectStoreMetrics creates object store metrics on the default registerer.
func NewObjectStoreMetrics() *ObjectStoreMetrics {
	return newObjectStoreMetrics(nil)
}

// NewObjectStoreMetricsWithRegistry creates object store metrics on reg.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	return newObjectStoreMetrics(reg)
}

func newObjectStoreMetrics(reg prometheus.Registerer) *ObjectStoreMetrics {
	f := factory(reg)
	return &ObjectStoreMetrics{
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "objectstore",
			Name:      "operation_latency_seconds",
			Help:      "Object store operation latency in seconds, by operation and status.",
			Buckets:   DefaultObjectStoreLatencyBuckets,
		}, []string{"operation", "status"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "objectstore",
			Name:      "operations_total",
			Help:      "Total object store operations, by operation and status.",
		}, []string{"operation", "status"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "objectstore",
			Name:      "bytes_total",
			Help:      "Total bytes transferred to and from the object store, by direction.",
		}, []string{"direction"}),
	}
}

// RecordOperation records one object store call. Bytes are counted only
// for successful reads and writes.
func (m *ObjectStoreMetrics) RecordOperation(operation string, durationSeconds float64, success bool, bytes int64) {
	if m == nil {
		return
	}
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
	if !success || bytes <= 0 {
		return
	}
	switch operation {
	case OpObjPut:
		m.BytesTotal.WithLabelValues(DirectionWrite).Add(float64(bytes))
	case OpObjGet:
		m.BytesTotal.WithLabelValues(DirectionRead).Add(float64(bytes))
	}
}
