// Package objectstore defines the object storage interface the route
// snapshot archive writes to.
//
// Keys are bucket-relative paths. Implementations must be safe for
// concurrent use. Missing objects surface as [ErrNotFound], possibly
// wrapped in an [ObjectError]:
//
//	rc, err := store.Get(ctx, key)
//	if errors.Is(err, objectstore.ErrNotFound) {
//	    // no snapshot yet
//	}
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when a create-only write finds an
	// existing object.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store is closed")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string

	// LastModified is a Unix timestamp in milliseconds.
	LastModified int64

	// Metadata holds user-defined pairs. List results leave it empty.
	Metadata map[string]string
}

// PutOptions configures PutWithOptions.
type PutOptions struct {
	// Metadata is stored with the object.
	Metadata map[string]string

	// IfNoneMatch set to "*" makes the write fail with
	// ErrPreconditionFailed when the key already exists.
	IfNoneMatch string
}

// Store is the interface for object storage operations.
type Store interface {
	// Put stores an object. size must equal the bytes reader yields.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// PutWithOptions stores an object with metadata or a create-only
	// condition.
	PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error

	// Get returns the object body. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns object metadata without the body.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete removes an object. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// List returns the objects under prefix in lexicographic key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	Close() error
}
