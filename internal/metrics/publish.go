package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Publish mode label values.
const (
	ModeEmbedded = "embedded"
	ModePlain    = "plain"
)

// PublishMetrics holds metrics for the publish surface.
type PublishMetrics struct {
	// LatencyHistogram tracks publish latency by mode and status.
	LatencyHistogram *prometheus.HistogramVec

	// SegmentsTotal counts multipart segments produced for oversized payloads.
	SegmentsTotal prometheus.Counter
}

// DefaultPublishLatencyBuckets span local in-memory publishes to slow
// broker round trips.
var DefaultPublishLatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewPublishMetrics creates publish metrics on the default registerer.
func NewPublishMetrics() *PublishMetrics {
	return newPublishMetrics(nil)
}

// NewPublishMetricsWithRegistry creates publish metrics on reg.
func NewPublishMetricsWithRegistry(reg prometheus.Registerer) *PublishMetrics {
	return newPublishMetrics(reg)
}

func newPublishMetrics(reg prometheus.Registerer) *PublishMetrics {
	f := factory(reg)
	return &PublishMetrics{
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "latency_seconds",
			Help:      "Publish latency in seconds, by mode and status.",
			Buckets:   DefaultPublishLatencyBuckets,
		}, []string{"mode", "status"}),
		SegmentsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "segments_total",
			Help:      "Total multipart segments published for oversized payloads.",
		}),
	}
}

// RecordPublish records one publish call.
func (m *PublishMetrics) RecordPublish(mode string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	m.LatencyHistogram.WithLabelValues(mode, status(success)).Observe(durationSeconds)
}

// RecordSegments counts segments of one split payload.
func (m *PublishMetrics) RecordSegments(n int) {
	if m == nil {
		return
	}
	m.SegmentsTotal.Add(float64(n))
}
