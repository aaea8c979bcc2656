// Package memory implements an in-process transport: a partitioned,
// offset-addressed log per topic with committed group offsets. It backs
// single-process deployments and the tests of every package above the
// transport.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/dray-io/meshsync/internal/transport"
)

// Transport is an in-memory transport.Transport.
type Transport struct {
	mu                sync.Mutex
	defaultPartitions int
	topics            map[string]*topic
	committed         map[commitKey]int64
	nextRoundRobin    int
	closed            bool
}

type commitKey struct {
	group     string
	topic     string
	partition int32
}

type topic struct {
	partitions []*partitionLog
	// notify is closed and replaced on every append.
	notify chan struct{}
}

type partitionLog struct {
	base    int64
	records []transport.Record
}

func (p *partitionLog) end() int64 {
	return p.base + int64(len(p.records))
}

// New returns a transport that creates topics on first use with the
// given number of partitions.
func New(defaultPartitions int) *Transport {
	if defaultPartitions < 1 {
		defaultPartitions = 1
	}
	return &Transport{
		defaultPartitions: defaultPartitions,
		topics:            make(map[string]*topic),
		committed:         make(map[commitKey]int64),
	}
}

var _ transport.Transport = (*Transport)(nil)

// CreateTopic creates name with the given partition count. Creating an
// existing topic is an error.
func (t *Transport) CreateTopic(name string, partitions int) error {
	if partitions < 1 {
		return fmt.Errorf("memory: topic %s needs at least one partition", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[name]; ok {
		return fmt.Errorf("memory: topic %s already exists", name)
	}
	t.topics[name] = newTopic(partitions)
	return nil
}

func newTopic(partitions int) *topic {
	tp := &topic{notify: make(chan struct{})}
	for i := 0; i < partitions; i++ {
		tp.partitions = append(tp.partitions, &partitionLog{})
	}
	return tp
}

func (t *Transport) topicLocked(name string) *topic {
	tp, ok := t.topics[name]
	if !ok {
		tp = newTopic(t.defaultPartitions)
		t.topics[name] = tp
	}
	return tp
}

// Publish appends r to its partition.
func (t *Transport) Publish(ctx context.Context, r transport.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	tp := t.topicLocked(r.Topic)
	partition := r.Partition
	if partition < 0 {
		partition = t.choosePartitionLocked(r.Key, len(tp.partitions))
	}
	if int(partition) >= len(tp.partitions) {
		return fmt.Errorf("memory: partition %d out of range for %s (%d partitions)", partition, r.Topic, len(tp.partitions))
	}

	log := tp.partitions[partition]
	stored := r
	stored.Partition = partition
	stored.Offset = log.end()
	stored.Headers = copyHeaders(r.Headers)
	stored.Value = append([]byte(nil), r.Value...)
	log.records = append(log.records, stored)

	close(tp.notify)
	tp.notify = make(chan struct{})
	return nil
}

func (t *Transport) choosePartitionLocked(key []byte, n int) int32 {
	if len(key) == 0 {
		p := t.nextRoundRobin % n
		t.nextRoundRobin++
		return int32(p)
	}
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32() % uint32(n))
}

// Trim drops records of topic/partition below offset, advancing the
// earliest retained offset.
func (t *Transport) Trim(name string, partition int32, before int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.topics[name]
	if !ok || int(partition) >= len(tp.partitions) {
		return
	}
	log := tp.partitions[partition]
	if before <= log.base {
		return
	}
	if before >= log.end() {
		log.base = log.end()
		log.records = nil
		return
	}
	log.records = append([]transport.Record(nil), log.records[before-log.base:]...)
	log.base = before
}

// Committed returns the offset committed by group for topic/partition.
func (t *Transport) Committed(group, name string, partition int32) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	off, ok := t.committed[commitKey{group, name, partition}]
	return off, ok
}

// PartitionCount returns the number of partitions of an existing topic.
func (t *Transport) PartitionCount(ctx context.Context, name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", transport.ErrUnknownTopic, name)
	}
	return len(tp.partitions), nil
}

// Subscribe opens a subscription. Fixed partitions resume at the group's
// committed offset or start at the end of the log.
func (t *Transport) Subscribe(ctx context.Context, name string, partition int32, opts transport.SubscribeOptions) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}

	tp := t.topicLocked(name)
	if int(partition) >= len(tp.partitions) {
		return nil, fmt.Errorf("memory: partition %d out of range for %s (%d partitions)", partition, name, len(tp.partitions))
	}

	s := &subscription{
		t:         t,
		topic:     name,
		partition: partition,
		group:     opts.GroupID,
		positions: make(map[int32]int64),
	}
	for i, log := range tp.partitions {
		p := int32(i)
		if partition >= 0 && p != partition {
			continue
		}
		if off, ok := t.committed[commitKey{opts.GroupID, name, p}]; ok && opts.GroupID != "" {
			s.positions[p] = off
		} else {
			s.positions[p] = log.end()
		}
	}
	return s, nil
}

// Close wakes all pollers; later calls fail with transport.ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, tp := range t.topics {
		close(tp.notify)
		tp.notify = make(chan struct{})
	}
	return nil
}

type subscription struct {
	t         *Transport
	topic     string
	partition int32
	group     string

	// positions is guarded by t.mu.
	positions map[int32]int64
	closed    bool
}

func (s *subscription) Poll(ctx context.Context) ([]transport.Record, error) {
	for {
		s.t.mu.Lock()
		if s.closed || s.t.closed {
			s.t.mu.Unlock()
			return nil, transport.ErrClosed
		}
		tp := s.t.topics[s.topic]
		var out []transport.Record
		for p, pos := range s.positions {
			log := tp.partitions[p]
			if pos < log.base {
				pos = log.base
			}
			for off := pos; off < log.end(); off++ {
				r := log.records[off-log.base]
				r.Headers = copyHeaders(r.Headers)
				out = append(out, r)
			}
			s.positions[p] = maxInt64(pos, log.end())
		}
		notify := tp.notify
		s.t.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

func (s *subscription) Offsets(ctx context.Context) (int64, int64, error) {
	if s.partition < 0 {
		return 0, 0, transport.ErrSeekUnsupported
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	log := s.t.topics[s.topic].partitions[s.partition]
	return log.base, log.end(), nil
}

func (s *subscription) Seek(ctx context.Context, offset int64) error {
	if s.partition < 0 {
		return transport.ErrSeekUnsupported
	}
	if offset < 0 {
		return fmt.Errorf("memory: negative offset %d", offset)
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.positions[s.partition] = offset
	return nil
}

// Close commits the read positions for the group.
func (s *subscription) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.group != "" {
		for p, pos := range s.positions {
			s.t.committed[commitKey{s.group, s.topic, p}] = pos
		}
	}
	// Wake a Poll blocked on this subscription.
	if tp, ok := s.t.topics[s.topic]; ok {
		close(tp.notify)
		tp.notify = make(chan struct{})
	}
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
