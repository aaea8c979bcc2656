// Package config provides configuration loading and validation for meshd.
// Supports YAML (and JSON/JSONC) files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds all configuration for a mesh node.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Registry      RegistryConfig      `yaml:"registry"`
	Bootstrap     BootstrapConfig     `yaml:"bootstrap"`
	Consumer      ConsumerConfig      `yaml:"consumer"`
	Transport     TransportConfig     `yaml:"transport"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NodeConfig struct {
	ClusterID   string `yaml:"clusterId" env:"MESH_CLUSTER_ID"`
	Origin      string `yaml:"origin" env:"MESH_ORIGIN"`
	Personality string `yaml:"personality" env:"MESH_PERSONALITY"`
}

type RegistryConfig struct {
	OriginTTL     time.Duration `yaml:"originTTL" env:"MESH_ORIGIN_TTL"`
	PingInterval  time.Duration `yaml:"pingInterval" env:"MESH_PING_INTERVAL"`
	SweepInterval time.Duration `yaml:"sweepInterval" env:"MESH_SWEEP_INTERVAL"`
	SendTimeout   time.Duration `yaml:"sendTimeout" env:"MESH_SEND_TIMEOUT"`
	MailboxSize   int           `yaml:"mailboxSize" env:"MESH_MAILBOX_SIZE"`
	Coordinator   bool          `yaml:"coordinator" env:"MESH_COORDINATOR"`
}

type BootstrapConfig struct {
	SettleDelay   time.Duration `yaml:"settleDelay" env:"MESH_BOOTSTRAP_SETTLE_DELAY"`
	RetryInterval time.Duration `yaml:"retryInterval" env:"MESH_BOOTSTRAP_RETRY_INTERVAL"`
	MaxAttempts   int           `yaml:"maxAttempts" env:"MESH_BOOTSTRAP_MAX_ATTEMPTS"`

	// Timeout bounds how long a node waits for its inbox to go live
	// before joining the directory anyway.
	Timeout time.Duration `yaml:"timeout" env:"MESH_BOOTSTRAP_TIMEOUT"`
}

type ConsumerConfig struct {
	// AttachPollInterval bounds polls until the first records are positioned.
	AttachPollInterval time.Duration `yaml:"attachPollInterval" env:"MESH_CONSUMER_ATTACH_POLL"`
	PollInterval       time.Duration `yaml:"pollInterval" env:"MESH_CONSUMER_POLL"`
	SegmentTTL         time.Duration `yaml:"segmentTTL" env:"MESH_CONSUMER_SEGMENT_TTL"`
}

type TransportConfig struct {
	// Type selects the backend: memory, kafka or nsq.
	Type           string        `yaml:"type" env:"MESH_TRANSPORT"`
	MaxPayload     int           `yaml:"maxPayload" env:"MESH_MAX_PAYLOAD"`
	Compression    string        `yaml:"compression" env:"MESH_COMPRESSION"`
	InboxPrefix    string        `yaml:"inboxPrefix" env:"MESH_INBOX_PREFIX"`
	PublishTimeout time.Duration `yaml:"publishTimeout" env:"MESH_PUBLISH_TIMEOUT"`
	Kafka          KafkaConfig   `yaml:"kafka"`
	NSQ            NSQConfig     `yaml:"nsq"`
	Memory         MemoryConfig  `yaml:"memory"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers" env:"MESH_KAFKA_BROKERS"`
	Compression string   `yaml:"compression" env:"MESH_KAFKA_COMPRESSION"`
}

type NSQConfig struct {
	NSQDAddr     string   `yaml:"nsqdAddr" env:"MESH_NSQD_ADDR"`
	LookupdAddrs []string `yaml:"lookupdAddrs" env:"MESH_NSQ_LOOKUPD"`
	Partitions   int      `yaml:"partitions" env:"MESH_NSQ_PARTITIONS"`
}

type MemoryConfig struct {
	Partitions int `yaml:"partitions" env:"MESH_MEMORY_PARTITIONS"`
}

type MetadataConfig struct {
	// Backend is oxia or mock.
	Backend         string        `yaml:"backend" env:"MESH_METADATA_BACKEND"`
	OxiaEndpoint    string        `yaml:"oxiaEndpoint" env:"MESH_OXIA_ENDPOINT"`
	Namespace       string        `yaml:"namespace" env:"MESH_OXIA_NAMESPACE"`
	RequestTimeout  time.Duration `yaml:"requestTimeout" env:"MESH_OXIA_REQUEST_TIMEOUT"`
	SessionTimeout  time.Duration `yaml:"sessionTimeout" env:"MESH_OXIA_SESSION_TIMEOUT"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout" env:"MESH_PEER_FETCH_TIMEOUT"`
	RefreshInterval time.Duration `yaml:"refreshInterval" env:"MESH_PEER_REFRESH_INTERVAL"`
}

type MonitorConfig struct {
	// Topic defaults to the monitor's inbox topic so nodes reach it by mail.
	Topic     string `yaml:"topic" env:"MESH_MONITOR_TOPIC"`
	MaxGroups int    `yaml:"maxGroups" env:"MESH_MONITOR_MAX_GROUPS"`
}

type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled" env:"MESH_ARCHIVE_ENABLED"`
	Interval  time.Duration `yaml:"interval" env:"MESH_ARCHIVE_INTERVAL"`
	Retain    int           `yaml:"retain" env:"MESH_ARCHIVE_RETAIN"`
	Prefix    string        `yaml:"prefix" env:"MESH_S3_PREFIX"`
	PathStyle bool          `yaml:"pathStyle" env:"MESH_S3_PATH_STYLE"`
	Endpoint  string        `yaml:"endpoint" env:"MESH_S3_ENDPOINT"`
	Bucket    string        `yaml:"bucket" env:"MESH_S3_BUCKET"`
	Region    string        `yaml:"region" env:"MESH_S3_REGION"`
	AccessKey string        `yaml:"accessKey" env:"MESH_S3_ACCESS_KEY"`
	SecretKey string        `yaml:"secretKey" env:"MESH_S3_SECRET_KEY"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"MESH_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"MESH_HEALTH_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"MESH_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"MESH_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ClusterID:   "default",
			Personality: "APP",
		},
		Registry: RegistryConfig{
			OriginTTL:     60 * time.Second,
			PingInterval:  30 * time.Second,
			SweepInterval: 10 * time.Second,
			SendTimeout:   10 * time.Second,
			MailboxSize:   1024,
		},
		Bootstrap: BootstrapConfig{
			SettleDelay:   2 * time.Second,
			RetryInterval: 5 * time.Second,
			MaxAttempts:   10,
			Timeout:       2 * time.Minute,
		},
		Consumer: ConsumerConfig{
			AttachPollInterval: time.Second,
			PollInterval:       5 * time.Second,
			SegmentTTL:         60 * time.Second,
		},
		Transport: TransportConfig{
			Type:           "memory",
			MaxPayload:     64*1024 - 256,
			Compression:    "none",
			InboxPrefix:    "mesh.inbox",
			PublishTimeout: 10 * time.Second,
			Kafka: KafkaConfig{
				Brokers:     []string{"localhost:9092"},
				Compression: "snappy",
			},
			NSQ: NSQConfig{
				NSQDAddr:   "localhost:4150",
				Partitions: 1,
			},
			Memory: MemoryConfig{
				Partitions: 1,
			},
		},
		Metadata: MetadataConfig{
			Backend:         "mock",
			OxiaEndpoint:    "localhost:6648",
			Namespace:       "default",
			RequestTimeout:  10 * time.Second,
			SessionTimeout:  15 * time.Second,
			FetchTimeout:    20 * time.Second,
			RefreshInterval: 20 * time.Second,
		},
		Monitor: MonitorConfig{
			MaxGroups: 10,
		},
		Archive: ArchiveConfig{
			Interval: 5 * time.Minute,
			Retain:   12,
			Region:   "us-east-1",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":8085",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Validation errors.
var (
	ErrUnknownTransport = errors.New("config: unknown transport type")
	ErrUnknownBackend   = errors.New("config: unknown metadata backend")
)

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Node.ClusterID == "" {
		errs = append(errs, errors.New("config: node.clusterId is required"))
	}
	if c.Node.Personality == "" {
		errs = append(errs, errors.New("config: node.personality is required"))
	}

	switch c.Transport.Type {
	case "memory", "kafka", "nsq":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport.Type))
	}
	if c.Transport.Type == "kafka" && len(c.Transport.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("config: transport.kafka.brokers is required"))
	}
	if c.Transport.Type == "nsq" && c.Transport.NSQ.NSQDAddr == "" && len(c.Transport.NSQ.LookupdAddrs) == 0 {
		errs = append(errs, errors.New("config: transport.nsq needs nsqdAddr or lookupdAddrs"))
	}
	if c.Transport.MaxPayload <= 0 {
		errs = append(errs, errors.New("config: transport.maxPayload must be positive"))
	}

	switch c.Metadata.Backend {
	case "mock":
	case "oxia":
		if c.Metadata.OxiaEndpoint == "" {
			errs = append(errs, errors.New("config: metadata.oxiaEndpoint is required for oxia"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Metadata.Backend))
	}

	if c.Registry.OriginTTL <= 0 {
		errs = append(errs, errors.New("config: registry.originTTL must be positive"))
	}
	if c.Registry.PingInterval <= 0 || c.Registry.SweepInterval <= 0 {
		errs = append(errs, errors.New("config: registry intervals must be positive"))
	}
	if c.Consumer.PollInterval <= 0 || c.Consumer.AttachPollInterval <= 0 {
		errs = append(errs, errors.New("config: consumer poll intervals must be positive"))
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("config: archive.bucket is required when the archive is enabled"))
	}

	return errors.Join(errs...)
}
