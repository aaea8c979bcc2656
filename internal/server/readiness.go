package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/dray-io/meshsync/internal/metadata"
	"github.com/dray-io/meshsync/internal/metadata/keys"
	"github.com/dray-io/meshsync/internal/objectstore"
	"github.com/dray-io/meshsync/internal/transport"
)

// MetadataStoreChecker verifies the presence store answers a Get.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

// NewMetadataStoreChecker creates a checker for store.
func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string {
	return "metadata_store"
}

// CheckReady reads a key that normally does not exist.
func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, keys.Prefix+"/health-check")
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		return err
	}
	return nil
}

// ObjectStoreChecker verifies the snapshot bucket is reachable.
type ObjectStoreChecker struct {
	store objectstore.Store
}

// NewObjectStoreChecker creates a checker for store.
func NewObjectStoreChecker(store objectstore.Store) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store}
}

func (c *ObjectStoreChecker) Name() string {
	return "object_store"
}

// CheckReady lists a prefix that normally holds nothing. A missing
// bucket is a failure; an empty listing is not.
func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.List(ctx, keys.SnapshotRoot+"/health-check/")
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

// TransportChecker verifies the transport can describe a topic.
type TransportChecker struct {
	tr    transport.Transport
	topic string
}

// NewTransportChecker creates a checker that asks tr for topic's
// partition count.
func NewTransportChecker(tr transport.Transport, topic string) *TransportChecker {
	return &TransportChecker{tr: tr, topic: topic}
}

func (c *TransportChecker) Name() string {
	return "transport"
}

func (c *TransportChecker) CheckReady(ctx context.Context) error {
	if c.tr == nil {
		return errors.New("transport not configured")
	}
	n, err := c.tr.PartitionCount(ctx, c.topic)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("topic %s has no partitions", c.topic)
	}
	return nil
}

// BootstrapChecker is ready once done is closed, i.e. the inbox consumer
// has seen its initial-load marker.
type BootstrapChecker struct {
	done <-chan struct{}
}

// NewBootstrapChecker creates a checker on done.
func NewBootstrapChecker(done <-chan struct{}) *BootstrapChecker {
	return &BootstrapChecker{done: done}
}

func (c *BootstrapChecker) Name() string {
	return "bootstrap"
}

func (c *BootstrapChecker) CheckReady(context.Context) error {
	if c.done == nil {
		return errors.New("no bootstrap in progress")
	}
	select {
	case <-c.done:
		return nil
	default:
		return errors.New("initial load not complete")
	}
}

// FuncChecker wraps a function as a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a checker named name.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}

// NewFlagChecker is ready while ok returns true; otherwise it reports
// reason. Used for directory registration and monitor readiness.
func NewFlagChecker(name, reason string, ok func() bool) *FuncChecker {
	return NewFuncChecker(name, func(context.Context) error {
		if ok == nil || !ok() {
			return errors.New(reason)
		}
		return nil
	})
}
