// Package consumer reads a topic partition through a transport, runs the
// initial-load bootstrap when asked to, and dispatches decoded events to a
// handler on a per-subscription queue.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metrics"
	"github.com/dray-io/meshsync/internal/transport"
)

// FatalExitCode is the process exit code for unrecoverable transport errors.
const FatalExitCode = 10

var (
	// ErrMissingClientID is returned when a subscription has no client id.
	ErrMissingClientID = errors.New("consumer: client id is required")
	// ErrMissingGroupID is returned when a subscription has no group id.
	ErrMissingGroupID = errors.New("consumer: group id is required")
	// ErrMissingHandler is returned when a subscription has no handler.
	ErrMissingHandler = errors.New("consumer: handler is required")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("consumer: already started")
)

// Handler receives the events of one subscription.
type Handler interface {
	HandleEvent(ctx context.Context, env *envelope.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

func (f HandlerFunc) HandleEvent(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Deliverer routes an embedded event to the local handler of its address.
type Deliverer interface {
	Deliver(ctx context.Context, env *envelope.Envelope) error
}

// Config configures a Consumer.
type Config struct {
	// Origin is the local node; embedded records addressed elsewhere are dropped.
	Origin    string
	Topic     string
	Partition int32
	ClientID  string
	GroupID   string
	Start     Start

	// Handler receives plain records.
	Handler Handler
	// Router receives embedded events. Without one they go to Handler.
	Router Deliverer

	Bootstrap BootstrapConfig

	// AttachPollInterval bounds polls while the bootstrap is running.
	AttachPollInterval time.Duration
	// PollInterval bounds polls once streaming.
	PollInterval time.Duration
	// SegmentTTL discards partially received multipart payloads.
	SegmentTTL time.Duration

	// Fatal is called for transport failures that are not poll deadlines
	// or shutdown. Defaults to logging and exiting with FatalExitCode.
	Fatal func(err error)

	Metrics *metrics.ConsumerMetrics
	Logger  *logging.Logger
}

func (c *Config) applyDefaults() {
	c.Bootstrap.applyDefaults()
	if c.AttachPollInterval <= 0 {
		c.AttachPollInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SegmentTTL <= 0 {
		c.SegmentTTL = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
}

// Consumer is one subscription.
type Consumer struct {
	tr      transport.Transport
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.ConsumerMetrics

	load      *InitialLoad
	assembler *envelope.Assembler
	queue     *queue
	done      chan struct{}

	mu      sync.Mutex
	started bool
	sub     transport.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and returns an idle consumer.
func New(tr transport.Transport, cfg Config) (*Consumer, error) {
	if err := transport.ValidateTopic(cfg.Topic); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		return nil, ErrMissingClientID
	}
	if cfg.GroupID == "" {
		return nil, ErrMissingGroupID
	}
	if cfg.Handler == nil {
		return nil, ErrMissingHandler
	}
	if cfg.Start.Kind == StartOffset && cfg.Start.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrInvalidStart, cfg.Start.Offset)
	}
	cfg.applyDefaults()

	logger := cfg.Logger.Named("consumer").WithOrigin(cfg.Origin).With(map[string]any{
		"topic":     cfg.Topic,
		"partition": cfg.Partition,
	})
	return &Consumer{
		tr:        tr,
		cfg:       cfg,
		logger:    logger,
		metrics:   cfg.Metrics,
		assembler: envelope.NewAssembler(cfg.SegmentTTL),
		queue:     newQueue(logger, cfg.Metrics),
		done:      make(chan struct{}),
	}, nil
}

// Start attaches to the transport and begins polling.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	sub, err := c.tr.Subscribe(ctx, c.cfg.Topic, c.cfg.Partition, transport.SubscribeOptions{
		ClientID: c.cfg.ClientID,
		GroupID:  c.cfg.GroupID,
	})
	if err != nil {
		return fmt.Errorf("consumer: subscribe %s: %w", c.cfg.Topic, err)
	}
	c.sub = sub
	c.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	if c.cfg.Start.Kind == StartInitialize {
		c.load = NewInitialLoad(c.cfg.Bootstrap, time.Now())
		go func() {
			select {
			case <-c.load.Done():
				close(c.done)
			case <-runCtx.Done():
			}
		}()
	} else {
		close(c.done)
	}
	c.queue.start(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()

	c.logger.Infof("subscribed", map[string]any{
		"clientId": c.cfg.ClientID,
		"groupId":  c.cfg.GroupID,
		"start":    c.cfg.Start.String(),
	})
	return nil
}

// Done is closed once the subscription streams live traffic: at once
// without Initialize, on the marker with it. It is never closed for a
// bootstrap abandoned by Close, so waiters need their own bound.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// State reports the bootstrap state. Without Initialize it is STREAMING.
func (c *Consumer) State() State {
	if c.load == nil {
		return StateStreaming
	}
	return c.load.State()
}

// Skipped returns the number of backlog records dropped by the bootstrap.
func (c *Consumer) Skipped() int64 {
	if c.load == nil {
		return 0
	}
	return c.load.Skipped()
}

// Topic returns the subscribed topic.
func (c *Consumer) Topic() string {
	return c.cfg.Topic
}

// Partition returns the subscribed partition.
func (c *Consumer) Partition() int32 {
	return c.cfg.Partition
}

// Close stops polling, closes the transport handle and drops undelivered
// events. A bootstrap still in progress is abandoned.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if !c.started || c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	if dropped := c.queue.close(); dropped > 0 {
		c.logger.Debugf("undelivered events dropped", map[string]any{"count": dropped})
	}
	if c.load != nil && c.load.State() != StateStreaming {
		c.logger.Infof("initial load abandoned", map[string]any{"state": c.load.State().String()})
	}
	c.logger.Info("unsubscribed")
	return c.sub.Close()
}

func (c *Consumer) run(ctx context.Context) {
	if c.cfg.Start.Kind == StartOffset {
		c.position(ctx)
	}

	for ctx.Err() == nil {
		if c.load != nil {
			c.publishMarker(ctx)
		}

		interval := c.cfg.PollInterval
		if c.load != nil && c.load.State() != StateStreaming {
			interval = c.cfg.AttachPollInterval
		}

		pollCtx, cancel := context.WithTimeout(ctx, interval)
		records, err := c.sub.Poll(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if transport.IsTimeout(err) {
				c.expireSegments()
				continue
			}
			c.fatal(err)
			return
		}

		for _, r := range records {
			c.process(r)
		}
		c.expireSegments()
	}
}

// position applies an explicit start offset, clamped to what the
// partition retains.
func (c *Consumer) position(ctx context.Context) {
	want := c.cfg.Start.Offset
	earliest, latest, err := c.sub.Offsets(ctx)
	if err != nil {
		c.logger.Warnf("cannot position at offset", map[string]any{
			"offset": want,
			"error":  err.Error(),
		})
		return
	}

	fields := map[string]any{"offset": want, "earliest": earliest, "latest": latest}
	var target int64
	switch {
	case want < earliest:
		c.logger.Infof("offset below earliest retained, starting at earliest", fields)
		target = earliest
	case want > latest:
		c.logger.Warnf("offset beyond end of partition, position unchanged", fields)
		return
	case want == latest:
		return
	default:
		target = want
	}

	if err := c.sub.Seek(ctx, target); err != nil {
		c.logger.Warnf("seek failed", map[string]any{"offset": target, "error": err.Error()})
	}
}

func (c *Consumer) publishMarker(ctx context.Context) {
	now := time.Now()
	if !c.load.MarkerDue(now) {
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.Bootstrap.RetryInterval)
	defer cancel()
	partition := c.cfg.Partition
	if partition < 0 {
		partition = 0
	}
	err := c.tr.Publish(pubCtx, c.load.Marker(c.cfg.Topic, partition))
	c.load.MarkerSent(now)
	if err != nil {
		c.logger.Warnf("initial load marker publish failed", map[string]any{
			"attempt": c.load.Attempts(),
			"error":   err.Error(),
		})
	} else {
		c.logger.Debugf("initial load marker published", map[string]any{
			"attempt": c.load.Attempts(),
			"token":   c.load.Token(),
		})
	}
	if c.load.Exhausted() {
		c.logger.Errorf("initial load marker never observed", map[string]any{
			"attempts": c.load.Attempts(),
			"skipped":  c.load.Skipped(),
		})
	}
}

func (c *Consumer) expireSegments() {
	if n := c.assembler.Expire(); n > 0 {
		c.logger.Warnf("incomplete multipart payloads expired", map[string]any{"count": n})
	}
}

func (c *Consumer) fatal(err error) {
	if c.cfg.Fatal != nil {
		c.cfg.Fatal(err)
		return
	}
	c.logger.Fatalf(FatalExitCode, "transport failure, exiting", map[string]any{"error": err.Error()})
}
