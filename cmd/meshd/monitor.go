package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/dray-io/meshsync/internal/config"
	"github.com/dray-io/meshsync/internal/consumer"
	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metadata"
	"github.com/dray-io/meshsync/internal/metrics"
	"github.com/dray-io/meshsync/internal/monitor"
	"github.com/dray-io/meshsync/internal/peers"
	"github.com/dray-io/meshsync/internal/pubsub"
	"github.com/dray-io/meshsync/internal/registry"
	"github.com/dray-io/meshsync/internal/server"
	"github.com/dray-io/meshsync/internal/transport"
	"github.com/dray-io/meshsync/internal/transport/memory"
)

// monitorPersonality is advertised by the monitor in the directory.
const monitorPersonality = "MONITOR"

func runMonitor(args []string) {
	fs := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	topic := fs.String("topic", "", "Override monitor topic (default: the monitor's inbox topic)")
	maxGroups := fs.Int("max-groups", 0, "Override the number of consumer groups the topic must serve")

	fs.Usage = func() {
		fmt.Println(`Usage: meshd monitor [options]

Start the service monitor. It verifies its topic has enough partitions,
bootstraps it and then relays membership changes to every node.

Options:`)
		fs.PrintDefaults()
	}
	parseFlags(fs, args)

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *topic != "" {
		cfg.Monitor.Topic = *topic
	}
	if *maxGroups > 0 {
		cfg.Monitor.MaxGroups = *maxGroups
	}

	logger := newLogger(cfg)
	mon, err := NewMonitorService(MonitorOptions{Config: cfg, Logger: logger, Version: version})
	if err != nil {
		logger.Errorf("failed to create monitor", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	serve(mon, logger, "monitor")
}

// MonitorOptions contains the configuration for creating a monitor.
type MonitorOptions struct {
	Config  *config.Config
	Logger  *logging.Logger
	Version string

	Transport transport.Transport
	MetaStore metadata.MetadataStore
	Gatherer  *prometheus.Registry
}

// MonitorService runs the service monitor with its health endpoints.
type MonitorService struct {
	opts   MonitorOptions
	logger *logging.Logger

	mu           sync.Mutex
	started      bool
	stopped      bool
	cancel       context.CancelFunc
	done         chan struct{}
	monitor      *monitor.Monitor
	metaStore    metadata.MetadataStore
	tr           transport.Transport
	svc          *pubsub.Service
	directory    *peers.Directory
	healthServer *server.HealthServer
}

// NewMonitorService creates a monitor service but does not start it.
func NewMonitorService(opts MonitorOptions) (*MonitorService, error) {
	if opts.Config == nil {
		return nil, errors.New("monitor: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = metrics.NewRuntimeRegistry()
	}
	return &MonitorService{
		opts:   opts,
		logger: opts.Logger.WithOrigin(opts.Config.Node.Origin),
		done:   make(chan struct{}),
	}, nil
}

// Monitor returns the running monitor. Nil before Start.
func (m *MonitorService) Monitor() *monitor.Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitor
}

// Start builds the monitor and runs it until ctx is done or Shutdown is
// called. It fails fast when the topic lacks partitions.
func (m *MonitorService) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
	defer close(m.done)

	cfg := m.opts.Config
	origin := cfg.Node.Origin
	inbox := pubsub.InboxTopic(cfg.Transport.InboxPrefix, origin)
	topic := cfg.Monitor.Topic
	if topic == "" {
		topic = inbox
	}
	reg := m.opts.Gatherer

	compression, err := envelope.ParseCompression(cfg.Transport.Compression)
	if err != nil {
		return err
	}
	metaStore := m.opts.MetaStore
	if metaStore == nil {
		metaStore, err = openMetadata(ctx, cfg.Metadata, metrics.NewMetadataMetricsWithRegistry(reg))
		if err != nil {
			return err
		}
	}
	tr := m.opts.Transport
	if tr == nil {
		tr, err = openTransport(cfg.Transport, origin, m.logger)
		if err != nil {
			return err
		}
	}
	if mem, ok := tr.(*memory.Transport); ok {
		if err := mem.CreateTopic(topic, monitor.RequiredPartitions(cfg.Monitor.MaxGroups)); err != nil {
			m.logger.Debugf("monitor topic not created", map[string]any{"error": err.Error()})
		}
	}

	svc := pubsub.New(tr, pubsub.NewRouter(), pubsub.Config{
		Origin:         origin,
		MaxPayload:     cfg.Transport.MaxPayload,
		Compression:    compression,
		PublishTimeout: cfg.Transport.PublishTimeout,
		Bootstrap: consumer.BootstrapConfig{
			SettleDelay:   cfg.Bootstrap.SettleDelay,
			RetryInterval: cfg.Bootstrap.RetryInterval,
			MaxAttempts:   cfg.Bootstrap.MaxAttempts,
		},
		AttachPollInterval: cfg.Consumer.AttachPollInterval,
		PollInterval:       cfg.Consumer.PollInterval,
		SegmentTTL:         cfg.Consumer.SegmentTTL,
		Metrics:            metrics.NewPublishMetricsWithRegistry(reg),
		ConsumerMetrics:    metrics.NewConsumerMetricsWithRegistry(reg),
		Logger:             m.logger,
	})

	dir := peers.New(metaStore, peers.Config{
		ClusterID:       cfg.Node.ClusterID,
		Origin:          origin,
		Personality:     monitorPersonality,
		InboxTopic:      topic,
		Version:         m.opts.Version,
		FetchTimeout:    cfg.Metadata.FetchTimeout,
		RefreshInterval: cfg.Metadata.RefreshInterval,
		Logger:          m.logger,
	})

	mon := monitor.New(tr, svc, dir, pubsub.NewMailer(svc, origin, cfg.Transport.InboxPrefix), monitor.Config{
		Origin:           origin,
		Topic:            topic,
		MaxGroups:        cfg.Monitor.MaxGroups,
		GroupID:          cfg.Node.ClusterID + ".monitor",
		BootstrapTimeout: cfg.Bootstrap.Timeout,
		Registry: registry.Config{
			Version:       m.opts.Version,
			OriginTTL:     cfg.Registry.OriginTTL,
			PingInterval:  cfg.Registry.PingInterval,
			SweepInterval: cfg.Registry.SweepInterval,
			SendTimeout:   cfg.Registry.SendTimeout,
			MailboxSize:   cfg.Registry.MailboxSize,
			Metrics:       metrics.NewRegistryMetricsWithRegistry(reg),
		},
		Logger: m.logger,
	})

	healthServer := server.NewHealthServer(cfg.Observability.HealthAddr, m.logger)
	healthServer.SetStaleAfter(0)
	healthServer.RegisterHandler(server.RoutesPath, server.NewRoutesHandler(mon.Registry()))
	healthServer.RegisterReadinessCheck(server.NewMetadataStoreChecker(metaStore))
	healthServer.RegisterReadinessCheck(server.NewTransportChecker(tr, topic))
	healthServer.RegisterReadinessCheck(server.NewFlagChecker("monitor", "initial load not complete", mon.Ready))

	m.mu.Lock()
	m.monitor = mon
	m.metaStore = metaStore
	m.tr = tr
	m.svc = svc
	m.directory = dir
	m.healthServer = healthServer
	m.mu.Unlock()

	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	m.logger.Infof("health server started", map[string]any{"addr": healthServer.Addr()})

	if err := dir.Register(ctx); err != nil {
		m.logger.Warnf("failed to register monitor", map[string]any{"error": err.Error()})
	}

	return healthServer.Supervise("monitor", func() error { return mon.Run(ctx) })
}

// Shutdown stops the monitor and releases its components.
func (m *MonitorService) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	m.logger.Info("shutting down monitor")
	if m.healthServer != nil {
		m.healthServer.SetShuttingDown()
	}
	if m.directory != nil {
		if err := m.directory.Deregister(ctx); err != nil {
			m.logger.Warnf("failed to deregister monitor", map[string]any{"error": err.Error()})
		}
	}

	cancel()
	select {
	case <-m.done:
	case <-ctx.Done():
		m.logger.Warn("monitor did not stop before the shutdown deadline")
	}

	var errs []error
	if m.svc != nil {
		errs = append(errs, m.svc.Close())
	}
	if m.tr != nil && m.opts.Transport == nil {
		errs = append(errs, m.tr.Close())
	}
	if m.healthServer != nil {
		errs = append(errs, m.healthServer.Close())
	}
	if m.metaStore != nil && m.opts.MetaStore == nil {
		errs = append(errs, m.metaStore.Close())
	}
	return errors.Join(errs...)
}
