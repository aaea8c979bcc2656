package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/dray-io/meshsync/internal/archive"
	"github.com/dray-io/meshsync/internal/config"
	"github.com/dray-io/meshsync/internal/consumer"
	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metadata"
	"github.com/dray-io/meshsync/internal/metrics"
	"github.com/dray-io/meshsync/internal/objectstore"
	"github.com/dray-io/meshsync/internal/peers"
	"github.com/dray-io/meshsync/internal/pubsub"
	"github.com/dray-io/meshsync/internal/registry"
	"github.com/dray-io/meshsync/internal/server"
	"github.com/dray-io/meshsync/internal/transport"
)

func runNode(args []string) {
	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	routes := fs.StringSlice("route", nil, "Route to serve from this node (repeatable)")
	enableArchive := fs.Bool("archive", false, "Enable the routing table archive")

	fs.Usage = func() {
		fmt.Println(`Usage: meshd node [options]

Start a mesh node. The node registers in the peer directory, bootstraps
its inbox and keeps its routing table in sync with every peer.

Options:`)
		fs.PrintDefaults()
	}
	parseFlags(fs, args)

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *enableArchive {
		cfg.Archive.Enabled = true
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg)
	node, err := NewNode(NodeOptions{
		Config:  cfg,
		Logger:  logger,
		Version: version,
		Routes:  *routes,
	})
	if err != nil {
		logger.Errorf("failed to create node", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	serve(node, logger, "node")
}

// NodeOptions contains the configuration for creating a node.
type NodeOptions struct {
	Config  *config.Config
	Logger  *logging.Logger
	Version string

	// Routes are registered as public routes once the node is running.
	Routes []string

	// Transport and MetaStore replace the configured backends when set.
	Transport transport.Transport
	MetaStore metadata.MetadataStore

	// Gatherer collects the node's metrics. Defaults to a new registry.
	Gatherer *prometheus.Registry
}

// Node is a running mesh member.
type Node struct {
	opts   NodeOptions
	logger *logging.Logger

	metaStore     metadata.MetadataStore
	objStore      objectstore.Store
	tr            transport.Transport
	svc           *pubsub.Service
	registry      *registry.Registry
	directory     *peers.Directory
	archiver      *archive.Archiver
	healthServer  *server.HealthServer
	metricsServer *metrics.Server

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	failure error
}

// NewNode creates a node but does not start it.
func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("node: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = metrics.NewRuntimeRegistry()
	}
	return &Node{
		opts:   opts,
		logger: opts.Logger.WithOrigin(opts.Config.Node.Origin),
	}, nil
}

// Registry returns the node's registry. Nil before Start.
func (n *Node) Registry() *registry.Registry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry
}

// HealthAddr returns the bound health server address.
func (n *Node) HealthAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.healthServer == nil {
		return ""
	}
	return n.healthServer.Addr()
}

// Start builds every component and runs the node's loops until ctx is
// done or Shutdown is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	ctx, n.cancel = context.WithCancel(logging.WithLoggerCtx(ctx, n.logger))
	n.mu.Unlock()

	cfg := n.opts.Config
	origin := cfg.Node.Origin
	inbox := pubsub.InboxTopic(cfg.Transport.InboxPrefix, origin)

	n.logger.Infof("starting node", map[string]any{
		"clusterId":   cfg.Node.ClusterID,
		"personality": cfg.Node.Personality,
		"transport":   cfg.Transport.Type,
		"inbox":       inbox,
		"version":     n.opts.Version,
	})

	reg := n.opts.Gatherer
	compression, err := envelope.ParseCompression(cfg.Transport.Compression)
	if err != nil {
		return err
	}

	metaStore := n.opts.MetaStore
	if metaStore == nil {
		metaStore, err = openMetadata(ctx, cfg.Metadata, metrics.NewMetadataMetricsWithRegistry(reg))
		if err != nil {
			return err
		}
	}
	tr := n.opts.Transport
	if tr == nil {
		tr, err = openTransport(cfg.Transport, origin, n.logger)
		if err != nil {
			return err
		}
	}
	objStore, err := openArchiveStore(ctx, cfg.Archive, metrics.NewObjectStoreMetricsWithRegistry(reg))
	if err != nil {
		return err
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
		Logger:             n.logger,
	})

	routes := registry.New(registry.Config{
		Origin:        origin,
		Personality:   cfg.Node.Personality,
		Version:       n.opts.Version,
		Coordinator:   cfg.Registry.Coordinator,
		OriginTTL:     cfg.Registry.OriginTTL,
		PingInterval:  cfg.Registry.PingInterval,
		SweepInterval: cfg.Registry.SweepInterval,
		SendTimeout:   cfg.Registry.SendTimeout,
		MailboxSize:   cfg.Registry.MailboxSize,
		Metrics:       metrics.NewRegistryMetricsWithRegistry(reg),
		Logger:        n.logger,
	}, pubsub.NewMailer(svc, origin, cfg.Transport.InboxPrefix))
	svc.Router().Register(registry.Address, routes)

	dir := peers.New(metaStore, peers.Config{
		ClusterID:       cfg.Node.ClusterID,
		Origin:          origin,
		Personality:     cfg.Node.Personality,
		InboxTopic:      inbox,
		Version:         n.opts.Version,
		FetchTimeout:    cfg.Metadata.FetchTimeout,
		RefreshInterval: cfg.Metadata.RefreshInterval,
		Logger:          n.logger,
	})

	var archiver *archive.Archiver
	if objStore != nil {
		archiver = archive.New(objStore, routes, archive.Config{
			ClusterID: cfg.Node.ClusterID,
			Origin:    origin,
			Interval:  cfg.Archive.Interval,
			Retain:    cfg.Archive.Retain,
			Metrics:   metrics.NewArchiveMetricsWithRegistry(reg),
			Logger:    n.logger,
		})
	}

	healthServer := server.NewHealthServer(cfg.Observability.HealthAddr, n.logger)
	healthServer.SetStaleAfter(0)
	healthServer.RegisterHandler(server.RoutesPath, server.NewRoutesHandler(routes))
	healthServer.RegisterReadinessCheck(server.NewMetadataStoreChecker(metaStore))
	healthServer.RegisterReadinessCheck(server.NewTransportChecker(tr, inbox))
	healthServer.RegisterReadinessCheck(server.NewFlagChecker("directory", "node not registered", dir.IsRegistered))
	if objStore != nil {
		healthServer.RegisterReadinessCheck(server.NewObjectStoreChecker(objStore))
	}

	n.mu.Lock()
	n.metaStore = metaStore
	n.objStore = objStore
	n.tr = tr
	n.svc = svc
	n.registry = routes
	n.directory = dir
	n.archiver = archiver
	n.healthServer = healthServer
	n.mu.Unlock()

	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	n.logger.Infof("health server started", map[string]any{"addr": healthServer.Addr()})

	if addr := cfg.Observability.MetricsAddr; addr != "" && addr != cfg.Observability.HealthAddr {
		metricsServer := metrics.NewServerWithRegistry(addr, reg, n.logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		n.mu.Lock()
		n.metricsServer = metricsServer
		n.mu.Unlock()
	}

	c, err := svc.Subscribe(ctx, inbox, 0, consumer.HandlerFunc(n.handleInbox),
		origin, cfg.Node.ClusterID, consumer.Initialize)
	if err != nil {
		return fmt.Errorf("subscribing to inbox %s: %w", inbox, err)
	}
	healthServer.RegisterReadinessCheck(server.NewBootstrapChecker(c.Done()))

	n.run(ctx, healthServer, "registry", func() error { return routes.Run(ctx) })
	n.run(ctx, healthServer, "peer-directory", func() error {
		// Joining before the inbox is live would let peer replies land in
		// the skipped backlog.
		if !n.awaitBootstrap(ctx, c.Done(), cfg.Bootstrap.Timeout) {
			return nil
		}
		return dir.Run(ctx, routes)
	})
	if archiver != nil {
		n.run(ctx, healthServer, "route-archive", func() error { return archiver.Run(ctx) })
	}

	for _, route := range n.opts.Routes {
		svc.Router().Register(route, consumer.HandlerFunc(n.handleRoute))
		if err := routes.RegisterRoute(ctx, route, false); err != nil {
			n.logger.Errorf("failed to register route", map[string]any{
				"route": route,
				"error": err.Error(),
			})
		}
	}

	<-ctx.Done()
	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failure
}

func (n *Node) run(ctx context.Context, h *server.HealthServer, name string, fn func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := h.Supervise(name, fn)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		n.mu.Lock()
		if n.failure == nil {
			n.failure = fmt.Errorf("%s: %w", name, err)
		}
		n.mu.Unlock()
		n.cancel()
	}()
}

// awaitBootstrap waits for done, at most timeout. It reports false only
// when ctx ends first.
func (n *Node) awaitBootstrap(ctx context.Context, done <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		n.logger.Warnf("inbox bootstrap still pending, joining anyway", map[string]any{"timeout": timeout.String()})
		return true
	}
}

func (n *Node) handleInbox(_ context.Context, env *envelope.Envelope) error {
	if env.Type() == consumer.MarkerType {
		return nil
	}
	n.logger.Debugf("plain record on inbox ignored", map[string]any{
		"to":   env.To,
		"type": env.Type(),
	})
	return nil
}

func (n *Node) handleRoute(ctx context.Context, env *envelope.Envelope) error {
	logging.FromCtx(ctx).Infof("event received", map[string]any{
		"route": env.To,
		"id":    env.ID,
		"from":  env.Header(envelope.HeaderOrigin),
	})
	return nil
}

// Shutdown deregisters the node and releases every component.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	cancel := n.cancel
	n.mu.Unlock()

	n.logger.Info("shutting down node")

	if n.healthServer != nil {
		n.healthServer.SetShuttingDown()
	}

	if n.directory != nil {
		if err := n.directory.Deregister(ctx); err != nil {
			n.logger.Warnf("failed to deregister node", map[string]any{"error": err.Error()})
		}
	}

	cancel()
	stopped := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		n.logger.Warn("loops did not stop before the shutdown deadline")
	}

	var errs []error
	if n.svc != nil {
		errs = append(errs, n.svc.Close())
	}
	if n.tr != nil && n.opts.Transport == nil {
		errs = append(errs, n.tr.Close())
	}
	if n.metricsServer != nil {
		errs = append(errs, n.metricsServer.Close())
	}
	if n.healthServer != nil {
		errs = append(errs, n.healthServer.Close())
	}
	if n.objStore != nil {
		errs = append(errs, n.objStore.Close())
	}
	if n.metaStore != nil && n.opts.MetaStore == nil {
		errs = append(errs, n.metaStore.Close())
	}

	n.logger.Info("node shutdown complete")
	return errors.Join(errs...)
}
