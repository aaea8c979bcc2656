// Package metrics provides Prometheus metrics for observability.
//
// Collectors live under the "mesh" namespace:
//   - registry: messages handled by type, live peers, routes, checksum
//     mismatches, failed broadcast sends and expired origins
//   - consumer: records by outcome, initial-load duration and backlog skipped
//   - publish: publish latency by mode and status, multipart segments
//   - metadata: metadata store operation latency and counts
//   - objectstore / archive: snapshot uploads and the store calls behind them
//
// Every constructor has a WithRegistry variant for tests. Recording methods
// are safe on a nil receiver so components can run without metrics.
//
// Usage:
//
//	registryMetrics := metrics.NewRegistryMetrics()
//	reg := registry.New(registry.Config{Metrics: registryMetrics, ...})
//
//	metricsServer := metrics.NewServer(":9090", logger)
//	metricsServer.Start()
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "mesh"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// factory returns a promauto factory for reg, or for the default
// registerer when reg is nil.
func factory(reg prometheus.Registerer) promauto.Factory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return promauto.With(reg)
}
