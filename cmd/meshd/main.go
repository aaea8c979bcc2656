package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/dray-io/meshsync/internal/config"
	"github.com/dray-io/meshsync/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("meshd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "node":
		runNode(os.Args[2:])
	case "monitor":
		runMonitor(os.Args[2:])
	case "routes":
		runRoutes(os.Args[2:])
	case "version":
		fmt.Printf("meshd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: meshd <command> [options]

Commands:
  node        Join the mesh and serve local routes
  monitor     Run the service monitor that relays membership
  routes      Print a node's routing table
  version     Print version information

Run 'meshd <command> --help' for more information on a command.`)
}

// commonFlags are accepted by node and monitor.
type commonFlags struct {
	configPath  string
	origin      string
	clusterID   string
	personality string
	transport   string
	healthAddr  string
	metricsAddr string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&c.origin, "origin", "", "Override node origin (default: from config or a random UUID)")
	fs.StringVar(&c.clusterID, "cluster-id", "", "Override cluster ID")
	fs.StringVar(&c.personality, "personality", "", "Override node personality")
	fs.StringVar(&c.transport, "transport", "", "Override transport type (memory, kafka, nsq)")
	fs.StringVar(&c.healthAddr, "health-addr", "", "Override health endpoint address (e.g., :8085)")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
}

// load reads the configuration and applies flag overrides.
func (c *commonFlags) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if c.configPath != "" {
		cfg, err = config.LoadFromPath(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if c.origin != "" {
		cfg.Node.Origin = c.origin
	}
	if cfg.Node.Origin == "" {
		cfg.Node.Origin = uuid.New().String()
	}
	if c.clusterID != "" {
		cfg.Node.ClusterID = c.clusterID
	}
	if c.personality != "" {
		cfg.Node.Personality = c.personality
	}
	if c.transport != "" {
		cfg.Transport.Type = c.transport
	}
	if c.healthAddr != "" {
		cfg.Observability.HealthAddr = c.healthAddr
	}
	if c.metricsAddr != "" {
		cfg.Observability.MetricsAddr = c.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	})
	logging.SetGlobal(logger)
	return logger
}

// parseFlags parses args and exits on a usage error.
func parseFlags(fs *pflag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// service is a long-running component driven by main.
type service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// serve runs svc until a signal arrives or it fails, then shuts it down.
func serve(svc service, logger *logging.Logger, name string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start(ctx)
	}()

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Errorf(name+" error", map[string]any{"error": err.Error()})
			exitCode = 1
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		exitCode = 1
	}

	logger.Info(name + " shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
