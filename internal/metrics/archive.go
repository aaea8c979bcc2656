package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ArchiveMetrics holds metrics for route snapshot archiving.
type ArchiveMetrics struct {
	// SnapshotsTotal counts archive cycles by result: written, unchanged, failed.
	SnapshotsTotal *prometheus.CounterVec
	// LastSnapshotRows is the row count of the last written snapshot.
	LastSnapshotRows prometheus.Gauge
	// PrunedTotal counts snapshots deleted by retention.
	PrunedTotal prometheus.Counter
}

// Archive cycle result label values.
const (
	SnapshotWritten   = "written"
	SnapshotUnchanged = "unchanged"
	SnapshotFailed    = "failed"
)

// NewArchiveMetrics creates archive metrics on the default registerer.
func NewArchiveMetrics() *ArchiveMetrics {
	return newArchiveMetrics(nil)
}

// NewArchiveMetricsWithRegistry creates archive metrics on reg.
func NewArchiveMetricsWithRegistry(reg prometheus.Registerer) *ArchiveMetrics {
	return newArchiveMetrics(reg)
}

func newArchiveMetrics(reg prometheus.Registerer) *ArchiveMetrics {
	f := factory(reg)
	return &ArchiveMetrics{
		SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "archive",
			Name:      "snapshots_total",
			Help:      "Total archive cycles, by result.",
		}, []string{"result"}),
		LastSnapshotRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "archive",
			Name:      "last_snapshot_rows",
			Help:      "Number of bindings in the last written snapshot.",
		}),
		PrunedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "archive",
			Name:      "pruned_total",
			Help:      "Total snapshots deleted by retention.",
		}),
	}
}

// RecordCycle records one archive cycle.
func (m *ArchiveMetrics) RecordCycle(result string, rows int) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.WithLabelValues(result).Inc()
	if result == SnapshotWritten {
		m.LastSnapshotRows.Set(float64(rows))
	}
}

// RecordPruned counts deleted snapshots.
func (m *ArchiveMetrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PrunedTotal.Add(float64(n))
}
