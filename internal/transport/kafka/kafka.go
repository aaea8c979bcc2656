// Package kafka implements transport.Transport over a Kafka cluster with
// franz-go.
//
// A single producer client is shared by all publishers. Every
// subscription owns its consumer client so that seeking and committing
// one handle never disturbs another.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/transport"
)

// Config configures the Kafka transport.
type Config struct {
	Brokers  []string
	ClientID string
	// Compression names the producer batch codec: none, gzip, snappy, lz4
	// or zstd.
	Compression string
	Logger      *logging.Logger
}

// Transport is a Kafka-backed transport.Transport.
type Transport struct {
	cfg      Config
	logger   *logging.Logger
	producer *kgo.Client
	admin    *kadm.Client

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

// New connects the producer client.
func New(cfg Config) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RecordPartitioner(kgo.BasicConsistentPartitioner(partitionFor)),
		kgo.ProducerBatchCompression(codec),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	producer, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}

	return &Transport{
		cfg:      cfg,
		logger:   logger.Named("kafka"),
		producer: producer,
		admin:    kadm.NewClient(producer),
		subs:     make(map[*subscription]struct{}),
	}, nil
}

// partitionFor honours an explicit record partition and otherwise
// hashes the key.
func partitionFor(string) func(r *kgo.Record, n int) int {
	return func(r *kgo.Record, n int) int {
		if r.Partition >= 0 && int(r.Partition) < n {
			return int(r.Partition)
		}
		h := fnv.New32a()
		h.Write(r.Key)
		return int(h.Sum32() % uint32(n))
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "", "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.NoCompression(), fmt.Errorf("kafka: unknown compression %q", name)
	}
}

// Publish produces r synchronously.
func (t *Transport) Publish(ctx context.Context, r transport.Record) error {
	rec := toKgo(r)
	if err := t.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce to %s: %w", r.Topic, err)
	}
	return nil
}

// PartitionCount reads topic metadata.
func (t *Transport) PartitionCount(ctx context.Context, topic string) (int, error) {
	details, err := t.admin.ListTopics(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("kafka: list topics: %w", err)
	}
	detail, ok := details[topic]
	if !ok {
		return 0, fmt.Errorf("%w: %s", transport.ErrUnknownTopic, topic)
	}
	if detail.Err != nil {
		if errors.Is(detail.Err, kerr.UnknownTopicOrPartition) {
			return 0, fmt.Errorf("%w: %s", transport.ErrUnknownTopic, topic)
		}
		return 0, fmt.Errorf("kafka: topic %s: %w", topic, detail.Err)
	}
	return len(detail.Partitions), nil
}

// Subscribe opens a dedicated consumer client.
func (t *Transport) Subscribe(ctx context.Context, topic string, partition int32, opts transport.SubscribeOptions) (transport.Subscription, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	base := []kgo.Opt{kgo.SeedBrokers(t.cfg.Brokers...)}
	if opts.ClientID != "" {
		base = append(base, kgo.ClientID(opts.ClientID))
	}

	var (
		client *kgo.Client
		err    error
	)
	if partition < 0 {
		if opts.GroupID == "" {
			return nil, errors.New("kafka: whole-topic subscription needs a group")
		}
		client, err = kgo.NewClient(append(base,
			kgo.ConsumerGroup(opts.GroupID),
			kgo.ConsumeTopics(topic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		)...)
	} else {
		start := kgo.NewOffset().AtEnd()
		if opts.GroupID != "" {
			if off, ok := t.committedOffset(ctx, opts.GroupID, topic, partition); ok {
				start = kgo.NewOffset().At(off)
			}
		}
		client, err = kgo.NewClient(append(base,
			kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
				topic: {partition: start},
			}),
		)...)
	}
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer for %s: %w", topic, err)
	}

	s := &subscription{
		t:         t,
		client:    client,
		topic:     topic,
		partition: partition,
		group:     opts.GroupID,
		position:  transport.NoOffset,
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	return s, nil
}

func (t *Transport) committedOffset(ctx context.Context, group, topic string, partition int32) (int64, bool) {
	resps, err := t.admin.FetchOffsets(ctx, group)
	if err != nil {
		t.logger.Warnf("fetching committed offsets failed", map[string]any{
			"group": group,
			"error": err,
		})
		return 0, false
	}
	resp, ok := resps.Lookup(topic, partition)
	if !ok || resp.Err != nil || resp.At < 0 {
		return 0, false
	}
	return resp.At, true
}

// listOffset issues a ListOffsets request for one partition. timestamp
// is -2 for the earliest offset and -1 for the next offset to be written.
func listOffset(ctx context.Context, client *kgo.Client, topic string, partition int32, timestamp int64) (int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1

	reqTopic := kmsg.NewListOffsetsRequestTopic()
	reqTopic.Topic = topic
	reqPartition := kmsg.NewListOffsetsRequestTopicPartition()
	reqPartition.Partition = partition
	reqPartition.Timestamp = timestamp
	reqPartition.CurrentLeaderEpoch = -1
	reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return 0, fmt.Errorf("kafka: list offsets: %w", err)
	}
	for _, rt := range resp.Topics {
		for _, rp := range rt.Partitions {
			if rt.Topic != topic || rp.Partition != partition {
				continue
			}
			if err := kerr.ErrorForCode(rp.ErrorCode); err != nil {
				return 0, fmt.Errorf("kafka: list offsets %s/%d: %w", topic, partition, err)
			}
			return rp.Offset, nil
		}
	}
	return 0, fmt.Errorf("kafka: list offsets %s/%d: partition missing from response", topic, partition)
}

// Close closes every open subscription and the producer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	t.producer.Close()
	return nil
}

func toKgo(r transport.Record) *kgo.Record {
	rec := &kgo.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Key:       r.Key,
		Value:     r.Value,
	}
	for k, v := range r.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}

func fromKgo(rec *kgo.Record) transport.Record {
	r := transport.Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
	}
	if len(rec.Headers) > 0 {
		r.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			r.Headers[h.Key] = string(h.Value)
		}
	}
	return r
}
