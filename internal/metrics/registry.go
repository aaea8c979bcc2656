package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegistryMetrics holds metrics for the service registry actor.
type RegistryMetrics struct {
	// MessagesTotal counts handled mailbox messages.
	// Labels: type (PEERS, PING, CHECKSUM, JOIN, LEAVE, ADD, UNREGISTER)
	MessagesTotal *prometheus.CounterVec

	// Peers is the size of the current peer set, self included.
	Peers prometheus.Gauge

	// Routes is the number of routes in the routing table.
	Routes prometheus.Gauge

	// ChecksumMismatches counts CHECKSUM messages that triggered a resync.
	ChecksumMismatches prometheus.Counter

	// SendFailures counts failed outbound sends by message type.
	SendFailures *prometheus.CounterVec

	// ExpiredOrigins counts origins pruned by the TTL sweep.
	ExpiredOrigins prometheus.Counter
}

// NewRegistryMetrics creates registry metrics on the default registerer.
func NewRegistryMetrics() *RegistryMetrics {
	return newRegistryMetrics(nil)
}

// NewRegistryMetricsWithRegistry creates registry metrics on reg.
func NewRegistryMetricsWithRegistry(reg prometheus.Registerer) *RegistryMetrics {
	return newRegistryMetrics(reg)
}

func newRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	f := factory(reg)
	return &RegistryMetrics{
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "messages_total",
			Help:      "Total registry messages handled, by message type.",
		}, []string{"type"}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "peers",
			Help:      "Number of origins in the current peer set.",
		}),
		Routes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "routes",
			Help:      "Number of routes in the routing table.",
		}),
		ChecksumMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "checksum_mismatches_total",
			Help:      "Total checksum comparisons that differed and triggered a resync.",
		}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "send_failures_total",
			Help:      "Total failed outbound registry sends, by message type.",
		}, []string{"type"}),
		ExpiredOrigins: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "expired_origins_total",
			Help:      "Total origins removed because their last heartbeat exceeded the TTL.",
		}),
	}
}

// RecordMessage counts one handled message.
func (m *RegistryMetrics) RecordMessage(msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

// SetState updates the peer and route gauges.
func (m *RegistryMetrics) SetState(peers, routes int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(peers))
	m.Routes.Set(float64(routes))
}

// RecordChecksumMismatch counts one resync trigger.
func (m *RegistryMetrics) RecordChecksumMismatch() {
	if m == nil {
		return
	}
	m.ChecksumMismatches.Inc()
}

// RecordSendFailure counts one failed send.
func (m *RegistryMetrics) RecordSendFailure(msgType string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(msgType).Inc()
}

// RecordExpired counts origins dropped by the sweep.
func (m *RegistryMetrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredOrigins.Add(float64(n))
}
