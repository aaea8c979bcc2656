package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRegistryMetrics(t *testing.T) {
	m := NewRegistryMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordMessage("PING")
	m.RecordMessage("PING")
	m.RecordMessage("JOIN")
	m.SetState(3, 7)
	m.RecordChecksumMismatch()
	m.RecordSendFailure("ADD")
	m.RecordExpired(2)
	m.RecordExpired(0)

	if got := testutil.ToFloat64(m.MessagesTotal.WithLabelValues("PING")); got != 2 {
		t.Errorf("PING messages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Peers); got != 3 {
		t.Errorf("peers = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Routes); got != 7 {
		t.Errorf("routes = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.ChecksumMismatches); got != 1 {
		t.Errorf("mismatches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SendFailures.WithLabelValues("ADD")); got != 1 {
		t.Errorf("send failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExpiredOrigins); got != 2 {
		t.Errorf("expired = %v, want 2", got)
	}
}

func TestConsumerMetrics(t *testing.T) {
	m := NewConsumerMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordOutcome("service.monitor", OutcomeDispatched)
	m.RecordOutcome("service.monitor", OutcomeFiltered)
	m.RecordOutcome("service.monitor", OutcomeFiltered)
	m.RecordBootstrap(1.5, 12)
	m.AddQueued(3)
	m.AddQueued(-1)

	if got := testutil.ToFloat64(m.RecordsTotal.WithLabelValues("service.monitor", OutcomeFiltered)); got != 2 {
		t.Errorf("filtered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BootstrapSkipped); got != 12 {
		t.Errorf("skipped = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 2 {
		t.Errorf("queue depth = %v, want 2", got)
	}
}

func TestPublishMetrics(t *testing.T) {
	m := NewPublishMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordPublish(ModeEmbedded, 0.01, true)
	m.RecordSegments(4)

	if got := testutil.CollectAndCount(m.LatencyHistogram); got != 1 {
		t.Errorf("latency series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.SegmentsTotal); got != 4 {
		t.Errorf("segments = %v, want 4", got)
	}
}

func TestPublishMetrics_LatencyByStatus(t *testing.T) {
	m := NewPublishMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordPublish(ModePlain, 0.005, true)
	m.RecordPublish(ModePlain, 0.010, true)
	m.RecordPublish(ModePlain, 0.050, false)

	success := &dto.Metric{}
	if err := m.LatencyHistogram.WithLabelValues(ModePlain, StatusSuccess).(prometheus.Metric).Write(success); err != nil {
		t.Fatalf("failed to write success metric: %v", err)
	}
	if got := success.Histogram.GetSampleCount(); got != 2 {
		t.Errorf("success sample count = %d, want 2", got)
	}

	failure := &dto.Metric{}
	if err := m.LatencyHistogram.WithLabelValues(ModePlain, StatusFailure).(prometheus.Metric).Write(failure); err != nil {
		t.Fatalf("failed to write failure metric: %v", err)
	}
	if got := failure.Histogram.GetSampleCount(); got != 1 {
		t.Errorf("failure sample count = %d, want 1", got)
	}
	if got := failure.Histogram.GetSampleSum(); got != 0.050 {
		t.Errorf("failure sample sum = %v, want 0.05", got)
	}
}

func TestMetadataMetrics(t *testing.T) {
	m := NewMetadataMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordOperation(OpGet, 0.001, true)
	m.RecordOperation(OpGet, 0.002, false)
	m.RecordOperation(OpPutEphemeral, 0.003, true)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OpGet, StatusFailure)); got != 1 {
		t.Errorf("failed gets = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.RequestsTotal); got != 3 {
		t.Errorf("request series = %d, want 3", got)
	}
}

func TestObjectStoreMetrics(t *testing.T) {
	m := NewObjectStoreMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordOperation(OpObjPut, 0.1, true, 1024)
	m.RecordOperation(OpObjGet, 0.05, true, 512)
	m.RecordOperation(OpObjGet, 0.05, false, 512)
	m.RecordOperation(OpObjList, 0.02, true, 0)

	if got := testutil.ToFloat64(m.BytesTotal.WithLabelValues(DirectionWrite)); got != 1024 {
		t.Errorf("written = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(m.BytesTotal.WithLabelValues(DirectionRead)); got != 512 {
		t.Errorf("read = %v, want 512", got)
	}
}

func TestArchiveMetrics(t *testing.T) {
	m := NewArchiveMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordCycle(SnapshotWritten, 42)
	m.RecordCycle(SnapshotUnchanged, 0)
	m.RecordPruned(3)

	if got := testutil.ToFloat64(m.LastSnapshotRows); got != 42 {
		t.Errorf("rows = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.SnapshotsTotal.WithLabelValues(SnapshotUnchanged)); got != 1 {
		t.Errorf("unchanged = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PrunedTotal); got != 3 {
		t.Errorf("pruned = %v, want 3", got)
	}
}

func TestNilReceivers(t *testing.T) {
	var r *RegistryMetrics
	var c *ConsumerMetrics
	var p *PublishMetrics
	var md *MetadataMetrics
	var o *ObjectStoreMetrics
	var a *ArchiveMetrics

	r.RecordMessage("PING")
	r.SetState(1, 1)
	r.RecordChecksumMismatch()
	r.RecordSendFailure("ADD")
	r.RecordExpired(1)
	c.RecordOutcome("t", OutcomeDispatched)
	c.RecordBootstrap(1, 1)
	c.AddQueued(1)
	p.RecordPublish(ModePlain, 1, true)
	p.RecordSegments(1)
	md.RecordOperation(OpGet, 1, true)
	o.RecordOperation(OpObjPut, 1, true, 1)
	a.RecordCycle(SnapshotWritten, 1)
	a.RecordPruned(1)
}
