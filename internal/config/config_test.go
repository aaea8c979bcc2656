package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Registry.OriginTTL != 60*time.Second {
		t.Errorf("expected default origin TTL 60s, got %s", cfg.Registry.OriginTTL)
	}

	if cfg.Registry.PingInterval != 30*time.Second {
		t.Errorf("expected default ping interval 30s, got %s", cfg.Registry.PingInterval)
	}

	if cfg.Metadata.OxiaEndpoint != "localhost:6648" {
		t.Errorf("expected default oxia endpoint localhost:6648, got %s", cfg.Metadata.OxiaEndpoint)
	}

	if cfg.Bootstrap.MaxAttempts != 10 {
		t.Errorf("expected 10 bootstrap attempts, got %d", cfg.Bootstrap.MaxAttempts)
	}

	if cfg.Archive.Enabled {
		t.Error("expected archive to be disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Transport.Type = "carrier-pigeon"
	cfg.Metadata.Backend = "etcd"

	err := cfg.Validate()
	if !errors.Is(err, ErrUnknownTransport) {
		t.Errorf("expected ErrUnknownTransport, got %v", err)
	}
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}

	cfg = Default()
	cfg.Archive.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for archive without bucket")
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
node:
  clusterId: prod
  origin: node-a
transport:
  type: kafka
  kafka:
    brokers: [k1:9092, k2:9092]
registry:
  originTTL: 90s
`)
	cfg := Default()
	if err := Parse(data, ".yaml", cfg); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Node.ClusterID != "prod" || cfg.Node.Origin != "node-a" {
		t.Errorf("unexpected node config: %+v", cfg.Node)
	}
	if len(cfg.Transport.Kafka.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %v", cfg.Transport.Kafka.Brokers)
	}
	if cfg.Registry.OriginTTL != 90*time.Second {
		t.Errorf("expected TTL 90s, got %s", cfg.Registry.OriginTTL)
	}
	// Untouched sections keep their defaults.
	if cfg.Registry.PingInterval != 30*time.Second {
		t.Errorf("expected default ping interval, got %s", cfg.Registry.PingInterval)
	}
}

func TestParseJSONC(t *testing.T) {
	data := []byte(`{
  // monitor settings
  "monitor": {"topic": "ops.monitor", "maxGroups": 4,},
  /* node */
  "node": {"personality": "MONITOR"},
}`)
	cfg := Default()
	if err := Parse(data, ".jsonc", cfg); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Monitor.Topic != "ops.monitor" || cfg.Monitor.MaxGroups != 4 {
		t.Errorf("unexpected monitor config: %+v", cfg.Monitor)
	}
	if cfg.Node.Personality != "MONITOR" {
		t.Errorf("expected personality MONITOR, got %s", cfg.Node.Personality)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MESH_ORIGIN":          "node-b",
		"MESH_COORDINATOR":     "true",
		"MESH_SEND_TIMEOUT":    "3s",
		"MESH_NSQ_PARTITIONS":  "4",
		"MESH_KAFKA_BROKERS":   "a:9092, b:9092",
		"MESH_ARCHIVE_ENABLED": "1",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Node.Origin != "node-b" {
		t.Errorf("expected origin node-b, got %s", cfg.Node.Origin)
	}
	if !cfg.Registry.Coordinator {
		t.Error("expected coordinator to be true")
	}
	if cfg.Registry.SendTimeout != 3*time.Second {
		t.Errorf("expected send timeout 3s, got %s", cfg.Registry.SendTimeout)
	}
	if cfg.Transport.NSQ.Partitions != 4 {
		t.Errorf("expected 4 partitions, got %d", cfg.Transport.NSQ.Partitions)
	}
	if got := cfg.Transport.Kafka.Brokers; len(got) != 2 || got[1] != "b:9092" {
		t.Errorf("unexpected brokers %v", got)
	}
	if !cfg.Archive.Enabled {
		t.Error("expected archive enabled")
	}
}

func TestApplyEnvRejectsBadValue(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "MESH_PING_INTERVAL" {
			return "soon", true
		}
		return "", false
	}
	if err := ApplyEnv(Default(), lookup); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	if err := os.WriteFile(path, []byte("node:\n  clusterId: file-cluster\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MESH_CLUSTER_ID", "env-cluster")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Node.ClusterID != "env-cluster" {
		t.Errorf("expected env to override file, got %s", cfg.Node.ClusterID)
	}

	if _, err := LoadFromPath(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
