// Package transport abstracts the partitioned message streams the mesh
// rides on. Each backend (memory, kafka, nsq) lives in its own
// subpackage and implements Transport.
package transport

import (
	"context"
	"errors"
)

// AnyPartition lets the backend choose the partition on publish and
// subscribes to every partition of a topic.
const AnyPartition int32 = -1

// NoOffset marks a record whose backend does not track offsets.
const NoOffset int64 = -1

var (
	// ErrSeekUnsupported is returned by backends without retained offsets.
	ErrSeekUnsupported = errors.New("transport: seek unsupported")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownTopic is returned when a topic does not exist.
	ErrUnknownTopic = errors.New("transport: unknown topic")
	// ErrInvalidTopic is returned for names that fail ValidateTopic.
	ErrInvalidTopic = errors.New("transport: invalid topic name")
)

// Record is one message on a topic partition.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Headers   map[string]string
	Value     []byte
}

// SubscribeOptions identify the subscriber to the backend.
type SubscribeOptions struct {
	ClientID string
	GroupID  string
}

// Transport publishes records and opens subscriptions.
type Transport interface {
	// Publish writes r. A negative partition lets the backend choose.
	Publish(ctx context.Context, r Record) error
	// Subscribe opens an exclusive handle on topic. A fixed partition
	// starts at the group's committed offset or at the end of the log;
	// AnyPartition subscribes to the whole topic through the group.
	Subscribe(ctx context.Context, topic string, partition int32, opts SubscribeOptions) (Subscription, error)
	// PartitionCount reports how many partitions topic has.
	PartitionCount(ctx context.Context, topic string) (int, error)
	Close() error
}

// Subscription is a positioned reader over one partition or a whole topic.
type Subscription interface {
	// Poll blocks until records are available or ctx is done, in which
	// case ctx.Err() is returned.
	Poll(ctx context.Context) ([]Record, error)
	// Offsets returns the earliest retained offset and the offset the
	// next record will be written at.
	Offsets(ctx context.Context) (earliest, latest int64, err error)
	// Seek moves the read position.
	Seek(ctx context.Context, offset int64) error
	Close() error
}

// IsTimeout reports whether err is a poll deadline rather than a failure.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
