package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dray-io/meshsync/internal/transport"
)

const commitTimeout = 5 * time.Second

type subscription struct {
	t         *Transport
	client    *kgo.Client
	topic     string
	partition int32
	group     string

	mu       sync.Mutex
	position int64
	closed   bool
}

func (s *subscription) Poll(ctx context.Context) ([]transport.Record, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, transport.ErrClosed
	}

	var out []transport.Record
	fetches.EachRecord(func(rec *kgo.Record) {
		out = append(out, fromKgo(rec))
	})
	if len(out) > 0 {
		last := out[len(out)-1]
		s.mu.Lock()
		s.position = last.Offset + 1
		s.mu.Unlock()
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("kafka: fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
	}
	return nil, nil
}

func (s *subscription) Offsets(ctx context.Context) (int64, int64, error) {
	if s.partition < 0 {
		return 0, 0, transport.ErrSeekUnsupported
	}
	earliest, err := listOffset(ctx, s.client, s.topic, s.partition, -2)
	if err != nil {
		return 0, 0, err
	}
	latest, err := listOffset(ctx, s.client, s.topic, s.partition, -1)
	if err != nil {
		return 0, 0, err
	}
	return earliest, latest, nil
}

func (s *subscription) Seek(ctx context.Context, offset int64) error {
	if s.partition < 0 {
		return transport.ErrSeekUnsupported
	}
	s.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		s.topic: {s.partition: {Epoch: -1, Offset: offset}},
	})
	s.mu.Lock()
	s.position = offset
	s.mu.Unlock()
	return nil
}

// Close commits the read position for the group and releases the client.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	position := s.position
	s.mu.Unlock()

	s.t.mu.Lock()
	delete(s.t.subs, s)
	s.t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	var err error
	switch {
	case s.partition < 0:
		err = s.client.CommitUncommittedOffsets(ctx)
	case s.group != "" && position >= 0:
		var offsets kadm.Offsets
		offsets.Add(kadm.Offset{
			Topic:       s.topic,
			Partition:   s.partition,
			At:          position,
			LeaderEpoch: -1,
		})
		_, err = s.t.admin.CommitOffsets(ctx, s.group, offsets)
	}
	if err != nil {
		s.t.logger.Warnf("committing offsets on close failed", map[string]any{
			"topic":     s.topic,
			"partition": s.partition,
			"group":     s.group,
			"error":     err,
		})
	}

	s.client.Close()
	return nil
}
