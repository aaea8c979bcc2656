package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oxia-db/oxia/common/rpc"
	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/meshsync/internal/metadata"
)

// Config configures the Oxia-backed presence store.
type Config struct {
	// ServiceAddress is the Oxia endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace scopes every key of the cluster.
	Namespace string

	// RequestTimeout defaults to the client's RPC timeout.
	RequestTimeout time.Duration

	// SessionTimeout is how long a silent node keeps its presence key.
	// Zero keeps the client default.
	SessionTimeout time.Duration
}

// Store is a metadata.MetadataStore over one Oxia client session.
type Store struct {
	client oxiaclient.SyncClient
	config Config
	closed atomic.Bool
}

// New opens a client session. Ephemeral keys written through the store
// live as long as that session.
func New(_ context.Context, cfg Config) (*Store, error) {
	switch {
	case cfg.ServiceAddress == "":
		return nil, errors.New("oxia: service address is required")
	case cfg.Namespace == "":
		return nil, errors.New("oxia: namespace is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = rpc.DefaultRpcTimeout
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
		oxiaclient.WithRequestTimeout(cfg.RequestTimeout),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}
	return &Store{client: client, config: cfg}, nil
}

// Oxia versions start at 0; metadata.Version 0 means "absent", so the two
// are offset by one.
func toVersion(v int64) metadata.Version   { return metadata.Version(v + 1) }
func fromVersion(v metadata.Version) int64 { return int64(v - 1) }

// mapErr translates client errors into metadata sentinels.
func mapErr(op string, err error) error {
	if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
		return metadata.ErrVersionMismatch
	}
	return fmt.Errorf("oxia: %s failed: %w", op, err)
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if s.closed.Load() {
		return metadata.GetResult{}, metadata.ErrStoreClosed
	}
	_, value, version, err := s.client.Get(ctx, key)
	if errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return metadata.GetResult{}, nil
	}
	if err != nil {
		return metadata.GetResult{}, mapErr("get", err)
	}
	return metadata.GetResult{Value: value, Version: toVersion(version.VersionId), Exists: true}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	var putOpts []oxiaclient.PutOption
	if expected := metadata.ExtractExpectedVersion(opts); expected != nil {
		if *expected == 0 {
			putOpts = append(putOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			putOpts = append(putOpts, oxiaclient.ExpectedVersionId(fromVersion(*expected)))
		}
	}
	return s.put(ctx, "put", key, value, putOpts)
}

// PutEphemeral writes a key bound to this store's session.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	putOpts := []oxiaclient.PutOption{oxiaclient.Ephemeral()}
	switch notExists, expected := metadata.ExtractEphemeralOptions(opts); {
	case notExists:
		putOpts = append(putOpts, oxiaclient.ExpectedRecordNotExists())
	case expected != nil:
		putOpts = append(putOpts, oxiaclient.ExpectedVersionId(fromVersion(*expected)))
	}
	return s.put(ctx, "put ephemeral", key, value, putOpts)
}

func (s *Store) put(ctx context.Context, op, key string, value []byte, opts []oxiaclient.PutOption) (metadata.Version, error) {
	if s.closed.Load() {
		return 0, metadata.ErrStoreClosed
	}
	_, version, err := s.client.Put(ctx, key, value, opts...)
	if err != nil {
		return 0, mapErr(op, err)
	}
	return toVersion(version.VersionId), nil
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if s.closed.Load() {
		return metadata.ErrStoreClosed
	}
	var delOpts []oxiaclient.DeleteOption
	if expected := metadata.ExtractDeleteExpectedVersion(opts); expected != nil {
		delOpts = append(delOpts, oxiaclient.ExpectedVersionId(fromVersion(*expected)))
	}
	err := s.client.Delete(ctx, key, delOpts...)
	if err == nil || errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return nil
	}
	return mapErr("delete", err)
}

// List scans [startKey, endKey). Oxia orders keys segment by segment, so
// a prefix ending in '/' is closed with a second '/' rather than the next
// byte value.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if s.closed.Load() {
		return nil, metadata.ErrStoreClosed
	}
	if endKey == "" {
		if len(startKey) > 0 && startKey[len(startKey)-1] == '/' {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	results := s.client.RangeScan(ctx, startKey, endKey)
	var kvs []metadata.KV
	for r := range results {
		if r.Err != nil {
			go drain(results)
			return nil, mapErr("list", r.Err)
		}
		kvs = append(kvs, metadata.KV{Key: r.Key, Value: r.Value, Version: toVersion(r.Version.VersionId)})
		if limit > 0 && len(kvs) >= limit {
			go drain(results)
			break
		}
	}
	return kvs, nil
}

// Notifications opens a change stream over the namespace.
func (s *Store) Notifications(ctx context.Context) (metadata.NotificationStream, error) {
	if s.closed.Load() {
		return nil, metadata.ErrStoreClosed
	}
	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, mapErr("notifications", err)
	}
	return &notificationStream{notifications: n, ctx: ctx}, nil
}

// Close ends the session, which drops every presence key it wrote.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

// prefixEnd is the smallest key greater than every key starting with
// prefix, or "" when none exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drain(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}
