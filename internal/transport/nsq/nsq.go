// Package nsq implements transport.Transport over NSQ.
//
// NSQ has no partitions, so each (topic, partition) pair maps to its own
// NSQ topic named "<topic>.<partition>" and the partition count is a
// configured constant. Consumer groups map onto NSQ channels. Record
// headers travel inside the message body as a CBOR frame. NSQ retains no
// offsets, so Offsets and Seek return transport.ErrSeekUnsupported.
package nsq

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/nsqio/go-nsq"

	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/transport"
)

// Config configures the NSQ transport.
type Config struct {
	// NSQDAddr is the daemon producers publish to and, without lookupd,
	// consumers connect to.
	NSQDAddr     string
	LookupdAddrs []string
	// Partitions is the virtual partition count of every topic.
	Partitions int
	Logger     *logging.Logger
}

// frame is the message body layout.
type frame struct {
	Key     []byte            `cbor:"k,omitempty"`
	Headers map[string]string `cbor:"h,omitempty"`
	Value   []byte            `cbor:"v,omitempty"`
}

// Transport is an NSQ-backed transport.Transport.
type Transport struct {
	cfg      Config
	logger   *logging.Logger
	producer *nsq.Producer

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates the producer. No connection is made until the first publish.
func New(cfg Config) (*Transport, error) {
	if cfg.NSQDAddr == "" {
		return nil, errors.New("nsq: nsqd address required")
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	logger = logger.Named("nsq")

	config := nsq.NewConfig()
	config.Snappy = true
	producer, err := nsq.NewProducer(cfg.NSQDAddr, config)
	if err != nil {
		return nil, fmt.Errorf("nsq: create producer: %w", err)
	}
	producer.SetLogger(&clientLogger{logger: logger, role: "producer"}, nsq.LogLevelInfo)

	return &Transport{
		cfg:      cfg,
		logger:   logger,
		producer: producer,
		subs:     make(map[*subscription]struct{}),
	}, nil
}

// TopicName returns the NSQ topic carrying one partition of topic.
func TopicName(topic string, partition int32) string {
	return topic + "." + strconv.Itoa(int(partition))
}

func (t *Transport) partitionFor(key []byte) int32 {
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32() % uint32(t.cfg.Partitions))
}

// Publish frames r and publishes it synchronously.
func (t *Transport) Publish(ctx context.Context, r transport.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	partition := r.Partition
	if partition < 0 {
		partition = t.partitionFor(r.Key)
	}
	if int(partition) >= t.cfg.Partitions {
		return fmt.Errorf("nsq: partition %d out of range for %s (%d partitions)", partition, r.Topic, t.cfg.Partitions)
	}

	body, err := envelope.Marshal(frame{Key: r.Key, Headers: r.Headers, Value: r.Value})
	if err != nil {
		return fmt.Errorf("nsq: encode record: %w", err)
	}
	if err := t.producer.Publish(TopicName(r.Topic, partition), body); err != nil {
		return fmt.Errorf("nsq: publish to %s: %w", r.Topic, err)
	}
	return nil
}

// PartitionCount returns the configured virtual partition count.
func (t *Transport) PartitionCount(ctx context.Context, topic string) (int, error) {
	return t.cfg.Partitions, nil
}

// Subscribe opens one NSQ consumer per covered partition on the group's
// channel.
func (t *Transport) Subscribe(ctx context.Context, topic string, partition int32, opts transport.SubscribeOptions) (transport.Subscription, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	channel := opts.GroupID
	if channel == "" {
		channel = opts.ClientID + "#ephemeral"
	}
	if !nsq.IsValidChannelName(channel) {
		return nil, fmt.Errorf("nsq: invalid channel name %q", channel)
	}

	partitions := []int32{partition}
	if partition < 0 {
		partitions = partitions[:0]
		for p := 0; p < t.cfg.Partitions; p++ {
			partitions = append(partitions, int32(p))
		}
	} else if int(partition) >= t.cfg.Partitions {
		return nil, fmt.Errorf("nsq: partition %d out of range for %s (%d partitions)", partition, topic, t.cfg.Partitions)
	}

	s := &subscription{
		t:         t,
		topic:     topic,
		partition: partition,
		ch:        make(chan transport.Record, 256),
		done:      make(chan struct{}),
	}
	for _, p := range partitions {
		consumer, err := t.newConsumer(s, topic, p, channel)
		if err != nil {
			s.stopConsumers()
			return nil, err
		}
		s.consumers = append(s.consumers, consumer)
	}

	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	return s, nil
}

func (t *Transport) newConsumer(s *subscription, topic string, partition int32, channel string) (*nsq.Consumer, error) {
	config := nsq.NewConfig()
	config.Snappy = true
	consumer, err := nsq.NewConsumer(TopicName(topic, partition), channel, config)
	if err != nil {
		return nil, fmt.Errorf("nsq: create consumer for %s: %w", topic, err)
	}
	consumer.SetLogger(&clientLogger{logger: t.logger, role: "consumer"}, nsq.LogLevelInfo)
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var f frame
		if err := envelope.Unmarshal(m.Body, &f); err != nil {
			// Requeueing a malformed body would only redeliver it.
			t.logger.Errorf("dropping undecodable nsq message", map[string]any{
				"topic": topic,
				"error": err,
			})
			return nil
		}
		rec := transport.Record{
			Topic:     topic,
			Partition: partition,
			Offset:    transport.NoOffset,
			Key:       f.Key,
			Headers:   f.Headers,
			Value:     f.Value,
		}
		select {
		case s.ch <- rec:
			return nil
		case <-s.done:
			return errors.New("nsq: subscription closed")
		}
	}))

	if len(t.cfg.LookupdAddrs) > 0 {
		err = consumer.ConnectToNSQLookupds(t.cfg.LookupdAddrs)
	} else {
		err = consumer.ConnectToNSQD(t.cfg.NSQDAddr)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("nsq: connect consumer for %s: %w", topic, err)
	}
	return consumer, nil
}

// Close stops every subscription and the producer.
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
	t.producer.Stop()
	return nil
}

type subscription struct {
	t         *Transport
	topic     string
	partition int32
	consumers []*nsq.Consumer

	ch        chan transport.Record
	done      chan struct{}
	closeOnce sync.Once
}

// Poll returns every record buffered so far, blocking for the first one.
func (s *subscription) Poll(ctx context.Context) ([]transport.Record, error) {
	var out []transport.Record
	select {
	case <-s.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case rec := <-s.ch:
		out = append(out, rec)
	}
	for {
		select {
		case rec := <-s.ch:
			out = append(out, rec)
		default:
			return out, nil
		}
	}
}

func (s *subscription) Offsets(ctx context.Context) (int64, int64, error) {
	return 0, 0, transport.ErrSeekUnsupported
}

func (s *subscription) Seek(ctx context.Context, offset int64) error {
	return transport.ErrSeekUnsupported
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stopConsumers()
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
	})
	return nil
}

func (s *subscription) stopConsumers() {
	for _, c := range s.consumers {
		c.Stop()
		<-c.StopChan
	}
}
