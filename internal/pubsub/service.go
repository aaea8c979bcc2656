// Package pubsub is the publish/subscribe surface over a transport:
// plain and embedded-event publishing with multipart splitting, keyed
// subscriptions, local address routing and the registry mailer.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dray-io/meshsync/internal/consumer"
	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metrics"
	"github.com/dray-io/meshsync/internal/transport"
)

var (
	// ErrAlreadySubscribed is returned for a second subscription to the
	// same topic partition.
	ErrAlreadySubscribed = errors.New("pubsub: already subscribed")
	// ErrNotSubscribed is returned when unsubscribing an unknown subscription.
	ErrNotSubscribed = errors.New("pubsub: not subscribed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pubsub: service closed")
)

// Config configures a Service.
type Config struct {
	// Origin is the local node id.
	Origin string

	// MaxPayload is the largest embedded payload sent as one record.
	MaxPayload int

	// Compression is applied to encoded envelopes.
	Compression envelope.Compression

	// PublishTimeout bounds each publish call.
	PublishTimeout time.Duration

	// Consumer defaults for new subscriptions.
	Bootstrap          consumer.BootstrapConfig
	AttachPollInterval time.Duration
	PollInterval       time.Duration
	SegmentTTL         time.Duration
	Fatal              func(err error)

	Metrics         *metrics.PublishMetrics
	ConsumerMetrics *metrics.ConsumerMetrics
	Logger          *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxPayload <= 0 {
		c.MaxPayload = 64*1024 - 256
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
}

// Service publishes to and subscribes from one transport.
type Service struct {
	tr      transport.Transport
	router  *Router
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.PublishMetrics

	mu     sync.Mutex
	subs   map[string]*consumer.Consumer
	closed bool
}

// New creates a service. Embedded events received by its subscriptions
// are delivered through router.
func New(tr transport.Transport, router *Router, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		tr:      tr,
		router:  router,
		cfg:     cfg,
		logger:  cfg.Logger.Named("pubsub").WithOrigin(cfg.Origin),
		metrics: cfg.Metrics,
		subs:    make(map[string]*consumer.Consumer),
	}
}

// Router returns the service's local address router.
func (s *Service) Router() *Router {
	return s.router
}

// Publish sends body to topic. With the embed header set and a []byte
// body, body is an encoded envelope and is split into segments when it
// exceeds the payload limit. Otherwise the headers are copied and the
// body is encoded according to its type.
func (s *Service) Publish(ctx context.Context, topic string, partition int32, headers map[string]string, body any) error {
	if err := transport.ValidateTopic(topic); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	if _, embed := headers[envelope.HeaderEmbed]; embed {
		if frame, ok := body.([]byte); ok {
			err := s.publishEmbedded(ctx, topic, partition, headers[envelope.HeaderRecipient], frame)
			s.metrics.RecordPublish(metrics.ModeEmbedded, time.Since(start).Seconds(), err == nil)
			return err
		}
	}

	err := s.publishPlain(ctx, topic, partition, headers, body)
	s.metrics.RecordPublish(metrics.ModePlain, time.Since(start).Seconds(), err == nil)
	return err
}

// PublishEvent encodes env and publishes it as an embedded event. A
// non-empty recipient restricts delivery to that origin.
func (s *Service) PublishEvent(ctx context.Context, topic string, partition int32, recipient string, env *envelope.Envelope) error {
	frame, err := envelope.Encode(env, s.cfg.Compression)
	if err != nil {
		return err
	}
	headers := map[string]string{envelope.HeaderEmbed: "1"}
	if recipient != "" {
		headers[envelope.HeaderRecipient] = recipient
	}
	return s.Publish(ctx, topic, partition, headers, frame)
}

func (s *Service) publishEmbedded(ctx context.Context, topic string, partition int32, recipient string, frame []byte) error {
	headers := map[string]string{envelope.HeaderEmbed: "1"}
	if recipient != "" {
		headers[envelope.HeaderRecipient] = recipient
	}

	if len(frame) <= s.cfg.MaxPayload {
		return s.tr.Publish(ctx, transport.Record{
			Topic:     topic,
			Partition: partition,
			Headers:   headers,
			Value:     frame,
		})
	}

	segments := envelope.Split(frame, s.cfg.MaxPayload)
	s.metrics.RecordSegments(len(segments))
	s.logger.Debugf("splitting oversized event", map[string]any{
		"topic":    topic,
		"bytes":    len(frame),
		"segments": len(segments),
	})
	// Segments of one payload go to one partition so they stay ordered.
	if partition < 0 {
		partition = 0
	}
	for _, seg := range segments {
		data, err := envelope.Encode(seg, envelope.CompressionNone)
		if err != nil {
			return err
		}
		err = s.tr.Publish(ctx, transport.Record{
			Topic:     topic,
			Partition: partition,
			Headers:   headers,
			Value:     data,
		})
		if err != nil {
			return fmt.Errorf("pubsub: publish segment %s of %s: %w",
				seg.Header(envelope.HeaderSegmentCount), seg.Header(envelope.HeaderSegmentTotal), err)
		}
	}
	return nil
}

func (s *Service) publishPlain(ctx context.Context, topic string, partition int32, headers map[string]string, body any) error {
	dataType, value, err := envelope.EncodeBody(body)
	if err != nil {
		return err
	}
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[envelope.HeaderDataType] = dataType

	return s.tr.Publish(ctx, transport.Record{
		Topic:     topic,
		Partition: partition,
		Headers:   out,
		Value:     value,
	})
}

func subscriptionKey(topic string, partition int32) string {
	return fmt.Sprintf("%s.%d", topic, partition)
}

// Subscribe starts a subscription delivering plain records to handler
// and embedded events to the router. clientID and groupID are required.
func (s *Service) Subscribe(ctx context.Context, topic string, partition int32, handler consumer.Handler, clientID, groupID string, start consumer.Start) (*consumer.Consumer, error) {
	key := subscriptionKey(topic, partition)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, dup := s.subs[key]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, key)
	}

	c, err := consumer.New(s.tr, consumer.Config{
		Origin:             s.cfg.Origin,
		Topic:              topic,
		Partition:          partition,
		ClientID:           clientID,
		GroupID:            groupID,
		Start:              start,
		Handler:            handler,
		Router:             s.router,
		Bootstrap:          s.cfg.Bootstrap,
		AttachPollInterval: s.cfg.AttachPollInterval,
		PollInterval:       s.cfg.PollInterval,
		SegmentTTL:         s.cfg.SegmentTTL,
		Fatal:              s.cfg.Fatal,
		Metrics:            s.cfg.ConsumerMetrics,
		Logger:             s.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	s.subs[key] = c
	return c, nil
}

// Unsubscribe stops the subscription to topic/partition.
func (s *Service) Unsubscribe(ctx context.Context, topic string, partition int32) error {
	key := subscriptionKey(topic, partition)

	s.mu.Lock()
	c, ok := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, key)
	}
	return c.Close()
}

// Subscriptions returns the keys of active subscriptions, sorted.
func (s *Service) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for k := range s.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close stops every subscription. The transport is left open.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]*consumer.Consumer)
	s.mu.Unlock()

	var errs []error
	for _, c := range subs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
