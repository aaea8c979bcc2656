// Package metadata is the presence store the peer directory sits on.
//
// Three capabilities matter: ephemeral keys that vanish with the writer's
// session, ordered prefix listing, and a namespace-wide change stream.
// Oxia provides them in production (package oxia); MockStore provides them
// in tests and single-process runs.
package metadata

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound     = errors.New("metadata: key not found")
	ErrVersionMismatch = errors.New("metadata: version mismatch")
	ErrStoreClosed     = errors.New("metadata: store closed")
)

// Version is assigned by the store on every write and only grows.
type Version int64

// KV is one listed entry.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get. A missing key is Exists=false, not an
// error.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Notification reports one change. Value is nil when Deleted is set.
type Notification struct {
	Key     string
	Value   []byte
	Version Version
	Deleted bool
}

// NotificationStream yields changes made after it was opened.
type NotificationStream interface {
	// Next blocks until a change arrives, ctx ends or the stream closes.
	Next(ctx context.Context) (Notification, error)
	Close() error
}

// PutOption configures Put.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes Put fail with ErrVersionMismatch unless the key
// is at version v.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) { o.expectedVersion = &v }
}

// DeleteOption configures Delete.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes Delete fail with ErrVersionMismatch when
// the key was rewritten since version v. Presence keys use it so a stale
// process never removes its successor's key.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) { o.expectedVersion = &v }
}

// ExtractExpectedVersion returns the version a Put is conditioned on, or nil.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// ExtractDeleteExpectedVersion returns the version a Delete is conditioned
// on, or nil.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// EphemeralOption configures PutEphemeral.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists fails the write with ErrVersionMismatch when
// the key is already present. Registration uses it to detect a duplicate
// origin.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) { o.expectNotExists = true }
}

// WithEphemeralExpectedVersion fails the write unless the key is at v.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) { o.expectedVersion = &v }
}

// ExtractEphemeralOptions unpacks opts for store implementations.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// MetadataStore is implemented by the oxia adapter, MockStore and the
// InstrumentedStore decorator.
//
//	store, err := oxia.New(ctx, oxia.Config{ServiceAddress: "localhost:6648"})
//	...
//	_, err = store.PutEphemeral(ctx, keys.NodeKeyPath("prod", origin), info)
//	nodes, err := store.List(ctx, keys.NodesPrefix("prod"), "", 0)
type MetadataStore interface {
	Get(ctx context.Context, key string) (GetResult, error)

	// Put writes a durable key and returns its new version.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in order. An empty endKey
	// treats startKey as a prefix; limit <= 0 means no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Notifications covers the whole namespace of the store.
	Notifications(ctx context.Context) (NotificationStream, error)

	// PutEphemeral writes a key that is deleted when this client's session
	// ends, which is how a crashed node leaves the directory.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	// Close ends the session. Later calls return ErrStoreClosed.
	Close() error
}
