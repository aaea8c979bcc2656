package peers

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/metadata"
	"github.com/dray-io/meshsync/internal/metadata/keys"
	"github.com/dray-io/meshsync/internal/registry"
)

// Sink receives membership messages, normally a registry mailbox.
type Sink interface {
	Tell(ctx context.Context, env *envelope.Envelope) error
}

// Run registers the node and delivers a full PEERS snapshot to sink on
// every change under the node prefix and on each refresh tick. JOIN(self)
// follows the first snapshot that sees this node registered, whether Run
// or an earlier Register call wrote the key. When the notification stream fails
// the node is treated as gone: LEAVE(self) is delivered and registration
// is retried on the next tick. Run deregisters before returning.
func (d *Directory) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()
	defer d.shutdown()

	for {
		stream, err := d.store.Notifications(ctx)
		if err != nil {
			d.logger.Warnf("failed to open notification stream", map[string]any{"error": err.Error()})
		} else {
			err = d.serve(ctx, stream, sink, ticker.C)
			_ = stream.Close()
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warnf("notification stream lost", map[string]any{"error": err.Error()})
		}

		d.announced = false
		if d.IsRegistered() {
			d.setRegistered(false)
			d.tell(ctx, sink, registry.LeaveMessage(d.config.Origin))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// serve publishes snapshots until ctx is done or the stream fails.
func (d *Directory) serve(ctx context.Context, stream metadata.NotificationStream, sink Sink, tick <-chan time.Time) error {
	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	changed := make(chan struct{}, 1)
	lost := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watch(watchCtx, stream, changed, lost)
	}()

	d.sync(ctx, sink)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-lost:
			return err
		case <-tick:
			d.sync(ctx, sink)
		case <-changed:
			d.sync(ctx, sink)
		}
	}
}

// watch coalesces notifications under the node prefix into changed.
func (d *Directory) watch(ctx context.Context, stream metadata.NotificationStream, changed chan<- struct{}, lost chan<- error) {
	prefix := keys.NodesPrefix(d.config.ClusterID)
	for {
		n, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				lost <- err
			}
			return
		}
		if !strings.HasPrefix(n.Key, prefix) {
			continue
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	}
}

// sync registers when needed and delivers the current snapshot, then
// JOIN(self) once per registration.
func (d *Directory) sync(ctx context.Context, sink Sink) {
	if !d.IsRegistered() {
		if err := d.Register(ctx); err != nil {
			d.logger.Warnf("registration failed, retrying", map[string]any{"error": err.Error()})
		}
	}

	origins, err := d.Snapshot(ctx)
	if err != nil {
		d.logger.Warnf("peer list fetch failed", map[string]any{"error": err.Error()})
		return
	}

	if d.IsRegistered() && !slices.Contains(origins, d.config.Origin) {
		// Our key expired with the session while the stream stayed up.
		d.setRegistered(false)
		d.logger.Warn("presence key lost, re-registering on next refresh")
		d.tell(ctx, sink, registry.LeaveMessage(d.config.Origin))
		d.announced = false
	}

	d.tell(ctx, sink, registry.PeersMessage(origins))
	if d.IsRegistered() && !d.announced {
		d.announced = true
		d.tell(ctx, sink, registry.JoinMessage(d.config.Origin, d.config.Version))
	}
}

func (d *Directory) tell(ctx context.Context, sink Sink, env *envelope.Envelope) {
	if err := sink.Tell(ctx, env); err != nil && ctx.Err() == nil {
		d.logger.Warnf("failed to deliver membership message", map[string]any{
			"type":  env.Type(),
			"error": err.Error(),
		})
	}
}

func (d *Directory) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.FetchTimeout)
	defer cancel()
	if err := d.Deregister(ctx); err != nil {
		d.logger.Warnf("deregistration failed", map[string]any{"error": err.Error()})
	}
}
