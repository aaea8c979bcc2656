package main

import (
	"context"
	"fmt"

	"github.com/dray-io/meshsync/internal/config"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metadata"
	"github.com/dray-io/meshsync/internal/metadata/oxia"
	"github.com/dray-io/meshsync/internal/metrics"
	"github.com/dray-io/meshsync/internal/objectstore"
	"github.com/dray-io/meshsync/internal/objectstore/s3"
	"github.com/dray-io/meshsync/internal/transport"
	"github.com/dray-io/meshsync/internal/transport/kafka"
	"github.com/dray-io/meshsync/internal/transport/memory"
	"github.com/dray-io/meshsync/internal/transport/nsq"
)

// openMetadata connects the presence store named by cfg.Backend.
func openMetadata(ctx context.Context, cfg config.MetadataConfig, m *metrics.MetadataMetrics) (metadata.MetadataStore, error) {
	var store metadata.MetadataStore
	switch cfg.Backend {
	case "mock":
		store = metadata.NewMockStore()
	case "oxia":
		s, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.OxiaEndpoint,
			Namespace:      cfg.Namespace,
			RequestTimeout: cfg.RequestTimeout,
			SessionTimeout: cfg.SessionTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to oxia: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
	return metadata.NewInstrumentedStore(store, m), nil
}

// openTransport creates the transport named by cfg.Type.
func openTransport(cfg config.TransportConfig, clientID string, logger *logging.Logger) (transport.Transport, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.Memory.Partitions), nil
	case "kafka":
		return kafka.New(kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			ClientID:    clientID,
			Compression: cfg.Kafka.Compression,
			Logger:      logger,
		})
	case "nsq":
		return nsq.New(nsq.Config{
			NSQDAddr:     cfg.NSQ.NSQDAddr,
			LookupdAddrs: cfg.NSQ.LookupdAddrs,
			Partitions:   cfg.NSQ.Partitions,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Type)
	}
}

// openArchiveStore creates the snapshot bucket client, or nil when the
// archive is disabled.
func openArchiveStore(ctx context.Context, cfg config.ArchiveConfig, m *metrics.ObjectStoreMetrics) (objectstore.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	store, err := s3.New(ctx, s3.Config{
		Bucket:          cfg.Bucket,
		Prefix:          cfg.Prefix,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKey,
		SecretAccessKey: cfg.SecretKey,
		UsePathStyle:    cfg.PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 store: %w", err)
	}
	return objectstore.NewInstrumentedStore(store, m), nil
}
