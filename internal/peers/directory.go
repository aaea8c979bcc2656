// Package peers implements the peer directory: node presence kept as
// ephemeral keys in the metadata store, delivered to the registry as full
// snapshots of live origins.
package peers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metadata"
	"github.com/dray-io/meshsync/internal/metadata/keys"
)

// ErrAlreadyRegistered is returned when another live instance holds this
// node's presence key.
var ErrAlreadyRegistered = errors.New("peers: origin already registered by another instance")

// NodeInfo is the value stored under a node's presence key.
type NodeInfo struct {
	// Origin is the node's unique id.
	Origin string `json:"origin"`

	// Personality is the role the node advertises for its routes.
	Personality string `json:"personality"`

	// InboxTopic is the topic the node's registry mailbox is served on.
	InboxTopic string `json:"inboxTopic"`

	// InstanceID changes on every process start.
	InstanceID string `json:"instanceId"`

	// StartedAt is the Unix timestamp (milliseconds) when the node started.
	StartedAt int64 `json:"startedAt"`

	// Version is the meshd version string.
	Version string `json:"version"`
}

// Config configures a Directory.
type Config struct {
	ClusterID   string
	Origin      string
	Personality string
	InboxTopic  string
	Version     string

	// FetchTimeout bounds a single peer-list fetch.
	FetchTimeout time.Duration

	// RefreshInterval is the period of unconditional snapshot delivery.
	RefreshInterval time.Duration

	Logger *logging.Logger
}

// Directory registers this node and publishes the set of live origins.
type Directory struct {
	store  metadata.MetadataStore
	config Config
	logger *logging.Logger

	instanceID string
	startedAt  int64

	mu         sync.RWMutex
	registered bool
	version    metadata.Version

	// announced is set once JOIN(self) went out for the current
	// registration. Only the Run goroutine touches it.
	announced bool
}

// New creates a directory over store.
func New(store metadata.MetadataStore, config Config) *Directory {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 20 * time.Second
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 20 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Global()
	}

	return &Directory{
		store:      store,
		config:     config,
		logger:     logger.Named("peers").WithOrigin(config.Origin),
		instanceID: uuid.NewString(),
		startedAt:  time.Now().UnixMilli(),
	}
}

// Info returns this node's presence record.
func (d *Directory) Info() NodeInfo {
	return NodeInfo{
		Origin:      d.config.Origin,
		Personality: d.config.Personality,
		InboxTopic:  d.config.InboxTopic,
		InstanceID:  d.instanceID,
		StartedAt:   d.startedAt,
		Version:     d.config.Version,
	}
}

// Register writes this node's ephemeral presence key. The key disappears
// when the store session ends.
func (d *Directory) Register(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.Marshal(d.Info())
	if err != nil {
		return fmt.Errorf("failed to marshal node info: %w", err)
	}

	key := keys.NodeKeyPath(d.config.ClusterID, d.config.Origin)

	version, err := d.store.PutEphemeral(ctx, key, data, metadata.WithEphemeralExpectNotExists())
	if errors.Is(err, metadata.ErrVersionMismatch) {
		version, err = d.checkOwnerLocked(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	d.registered = true
	d.version = version
	d.logger.Infof("node registered", map[string]any{
		"key":         key,
		"personality": d.config.Personality,
		"inbox":       d.config.InboxTopic,
	})
	return nil
}

// checkOwnerLocked accepts an existing key written by this instance and
// returns its version.
func (d *Directory) checkOwnerLocked(ctx context.Context, key string) (metadata.Version, error) {
	result, err := d.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !result.Exists {
		// Expired between the put and the get; retried on the next cycle.
		return 0, metadata.ErrVersionMismatch
	}
	var info NodeInfo
	if err := json.Unmarshal(result.Value, &info); err != nil || info.InstanceID != d.instanceID {
		return 0, ErrAlreadyRegistered
	}
	return result.Version, nil
}

// Deregister removes the presence key. The store removes it on session
// end anyway; this makes a clean shutdown visible to peers at once. A key
// rewritten by another instance since Register is left alone.
func (d *Directory) Deregister(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.registered {
		return nil
	}

	key := keys.NodeKeyPath(d.config.ClusterID, d.config.Origin)
	err := d.store.Delete(ctx, key, metadata.WithDeleteExpectedVersion(d.version))
	switch {
	case errors.Is(err, metadata.ErrVersionMismatch):
		d.logger.Warnf("presence key owned by another instance, not deleting", map[string]any{"key": key})
	case err != nil:
		return fmt.Errorf("failed to deregister node: %w", err)
	default:
		d.logger.Infof("node deregistered", map[string]any{"key": key})
	}

	d.registered = false
	return nil
}

// IsRegistered reports whether this node believes its key is present.
func (d *Directory) IsRegistered() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registered
}

func (d *Directory) setRegistered(v bool) {
	d.mu.Lock()
	d.registered = v
	d.mu.Unlock()
}

// Snapshot returns the sorted origins of every registered node. The fetch
// is bounded by the configured fetch timeout.
func (d *Directory) Snapshot(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.FetchTimeout)
	defer cancel()

	kvs, err := d.store.List(ctx, keys.NodesPrefix(d.config.ClusterID), "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	origins := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		_, origin, err := keys.ParseNodeKey(kv.Key)
		if err != nil {
			continue
		}
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins, nil
}

// List returns every registered node. If personality is non-empty only
// nodes with that personality are returned.
func (d *Directory) List(ctx context.Context, personality string) ([]NodeInfo, error) {
	kvs, err := d.store.List(ctx, keys.NodesPrefix(d.config.ClusterID), "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var nodes []NodeInfo
	for _, kv := range kvs {
		var info NodeInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			d.logger.Warnf("failed to unmarshal node info", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		if personality != "" && !strings.EqualFold(info.Personality, personality) {
			continue
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}

// Get retrieves the presence record of origin.
func (d *Directory) Get(ctx context.Context, origin string) (NodeInfo, bool, error) {
	result, err := d.store.Get(ctx, keys.NodeKeyPath(d.config.ClusterID, origin))
	if err != nil {
		return NodeInfo{}, false, fmt.Errorf("failed to get node: %w", err)
	}
	if !result.Exists {
		return NodeInfo{}, false, nil
	}

	var info NodeInfo
	if err := json.Unmarshal(result.Value, &info); err != nil {
		return NodeInfo{}, false, fmt.Errorf("failed to unmarshal node info: %w", err)
	}
	return info, true, nil
}

// Origin returns this node's origin.
func (d *Directory) Origin() string {
	return d.config.Origin
}

// ClusterID returns the cluster this directory is scoped to.
func (d *Directory) ClusterID() string {
	return d.config.ClusterID
}
