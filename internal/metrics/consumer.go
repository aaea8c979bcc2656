package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Consumer record outcome label values.
const (
	OutcomeDispatched  = "dispatched"
	OutcomeSkipped     = "skipped"
	OutcomeFiltered    = "filtered"
	OutcomeDecodeError = "decode_error"
	OutcomeSegment     = "segment"
)

// ConsumerMetrics holds metrics for stream consumers.
type ConsumerMetrics struct {
	// RecordsTotal counts polled records by topic and outcome.
	RecordsTotal *prometheus.CounterVec

	// BootstrapSeconds tracks time from attach to marker observation.
	BootstrapSeconds prometheus.Histogram

	// BootstrapSkipped counts backlog records dropped during initial load.
	BootstrapSkipped prometheus.Counter

	// QueueDepth is the number of records waiting for dispatch, summed
	// over subscriptions.
	QueueDepth prometheus.Gauge
}

// DefaultBootstrapBuckets cover settle delay plus marker round trips.
var DefaultBootstrapBuckets = []float64{0.5, 1, 2, 3, 5, 10, 20, 30, 60}

// NewConsumerMetrics creates consumer metrics on the default registerer.
func NewConsumerMetrics() *ConsumerMetrics {
	return newConsumerMetrics(nil)
}

// NewConsumerMetricsWithRegistry creates consumer metrics on reg.
func NewConsumerMetricsWithRegistry(reg prometheus.Registerer) *ConsumerMetrics {
	return newConsumerMetrics(reg)
}

func newConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	f := factory(reg)
	return &ConsumerMetrics{
		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "consumer",
			Name:      "records_total",
			Help:      "Total records polled, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		BootstrapSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "consumer",
			Name:      "bootstrap_seconds",
			Help:      "Time from attach until the initial-load marker was observed.",
			Buckets:   DefaultBootstrapBuckets,
		}),
		BootstrapSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "consumer",
			Name:      "bootstrap_skipped_total",
			Help:      "Total backlog records skipped before the initial-load marker.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "consumer",
			Name:      "queue_depth",
			Help:      "Records waiting for dispatch.",
		}),
	}
}

// RecordOutcome counts one record.
func (m *ConsumerMetrics) RecordOutcome(topic, outcome string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordBootstrap records a completed initial load.
func (m *ConsumerMetrics) RecordBootstrap(durationSeconds float64, skipped int64) {
	if m == nil {
		return
	}
	m.BootstrapSeconds.Observe(durationSeconds)
	m.BootstrapSkipped.Add(float64(skipped))
}

// AddQueued adjusts the dispatch queue gauge.
func (m *ConsumerMetrics) AddQueued(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}
