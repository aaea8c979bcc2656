// Package monitor runs the service monitor: a membership-only registry
// that relays peer joins and departures to every node, started only after
// the monitor topic has been verified and bootstrapped.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/meshsync/internal/consumer"
	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/peers"
	"github.com/dray-io/meshsync/internal/pubsub"
	"github.com/dray-io/meshsync/internal/registry"
	"github.com/dray-io/meshsync/internal/transport"
)

const (
	minGroups = 3
	maxGroups = 30
)

var (
	// ErrInsufficientPartitions is returned when the monitor topic cannot
	// serve the configured number of groups.
	ErrInsufficientPartitions = errors.New("monitor: insufficient partitions, system not operational")
	// ErrBootstrapTimeout is returned when the initial load does not finish.
	ErrBootstrapTimeout = errors.New("monitor: initial load did not complete")
)

// RequiredPartitions returns the partition count the monitor topic needs
// for maxGroups consumer groups: one per group plus the monitor's own.
func RequiredPartitions(groups int) int {
	if groups < minGroups {
		groups = minGroups
	}
	if groups > maxGroups {
		groups = maxGroups
	}
	return groups + 1
}

// VerifyCapacity checks that topic has enough partitions for groups.
func VerifyCapacity(ctx context.Context, tr transport.Transport, topic string, groups int) error {
	have, err := tr.PartitionCount(ctx, topic)
	if err != nil {
		return fmt.Errorf("monitor: partition count of %s: %w", topic, err)
	}
	if need := RequiredPartitions(groups); have < need {
		return fmt.Errorf("%w: %s has %d partitions, need %d", ErrInsufficientPartitions, topic, have, need)
	}
	return nil
}

// Config configures a Monitor.
type Config struct {
	// Origin is the monitor's node id.
	Origin string
	// Topic is the monitor topic. Partition 0 is the monitor's own.
	Topic string
	// MaxGroups is the number of consumer groups the topic must serve.
	MaxGroups int

	ClientID string
	GroupID  string

	// BootstrapTimeout bounds the wait for the initial load.
	BootstrapTimeout time.Duration

	// Registry configures the coordinator registry. Origin and
	// Coordinator are set by the monitor.
	Registry registry.Config

	Logger *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxGroups <= 0 {
		c.MaxGroups = 10
	}
	if c.ClientID == "" {
		c.ClientID = c.Origin
	}
	if c.GroupID == "" {
		c.GroupID = "monitor"
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
}

// Monitor owns the coordinator registry.
type Monitor struct {
	tr     transport.Transport
	svc    *pubsub.Service
	dir    *peers.Directory
	cfg    Config
	reg    *registry.Registry
	logger *logging.Logger

	mu    sync.Mutex
	ready bool
}

// New creates a monitor publishing through svc and learning membership
// from dir. mailer carries coordinator messages to the nodes.
func New(tr transport.Transport, svc *pubsub.Service, dir *peers.Directory, mailer registry.Mailer, cfg Config) *Monitor {
	cfg.applyDefaults()
	regCfg := cfg.Registry
	regCfg.Origin = cfg.Origin
	regCfg.Coordinator = true
	if regCfg.Logger == nil {
		regCfg.Logger = cfg.Logger
	}

	return &Monitor{
		tr:     tr,
		svc:    svc,
		dir:    dir,
		cfg:    cfg,
		reg:    registry.New(regCfg, mailer),
		logger: cfg.Logger.Named("monitor").WithOrigin(cfg.Origin),
	}
}

// Registry returns the coordinator registry.
func (m *Monitor) Registry() *registry.Registry {
	return m.reg
}

// Ready reports whether the monitor finished bootstrapping.
func (m *Monitor) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Run verifies the monitor topic, bootstraps partition 0 and then runs
// the coordinator until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if err := VerifyCapacity(ctx, m.tr, m.cfg.Topic, m.cfg.MaxGroups); err != nil {
		m.logger.Errorf("system not operational", map[string]any{
			"topic":     m.cfg.Topic,
			"maxGroups": m.cfg.MaxGroups,
			"error":     err.Error(),
		})
		return err
	}

	m.svc.Router().Register(registry.Address, m.reg)
	defer m.svc.Router().Unregister(registry.Address)

	c, err := m.svc.Subscribe(ctx, m.cfg.Topic, 0, consumer.HandlerFunc(m.handlePlain),
		m.cfg.ClientID, m.cfg.GroupID, consumer.Initialize)
	if err != nil {
		return fmt.Errorf("monitor: subscribe %s: %w", m.cfg.Topic, err)
	}
	defer func() {
		if err := m.svc.Unsubscribe(context.Background(), m.cfg.Topic, 0); err != nil {
			m.logger.Warnf("unsubscribe failed", map[string]any{"error": err.Error()})
		}
	}()

	timer := time.NewTimer(m.cfg.BootstrapTimeout)
	defer timer.Stop()
	select {
	case <-c.Done():
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrBootstrapTimeout, m.cfg.BootstrapTimeout)
	case <-ctx.Done():
		return nil
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.logger.Infof("monitor ready", map[string]any{
		"topic":    m.cfg.Topic,
		"skipped":  c.Skipped(),
		"required": RequiredPartitions(m.cfg.MaxGroups),
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- m.reg.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- m.dir.Run(ctx, m.reg)
	}()
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) handlePlain(_ context.Context, env *envelope.Envelope) error {
	if env.Type() == consumer.MarkerType {
		return nil
	}
	m.logger.Debugf("plain record on monitor topic ignored", map[string]any{
		"to":   env.To,
		"type": env.Type(),
	})
	return nil
}
