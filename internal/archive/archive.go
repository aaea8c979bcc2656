// Package archive periodically writes the node's routing table to the
// object store as a Parquet snapshot and keeps the newest few.
//
// A snapshot is written only when the table checksum differs from the
// last one written, so a quiet mesh produces no objects. Write failures
// are logged and retried on the next cycle.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metadata/keys"
	"github.com/dray-io/meshsync/internal/metrics"
	"github.com/dray-io/meshsync/internal/objectstore"
	"github.com/dray-io/meshsync/internal/routing"
)

const contentType = "application/vnd.apache.parquet"

// ErrNoSnapshot is returned by Latest when an origin has no snapshot.
var ErrNoSnapshot = errors.New("archive: no snapshot")

// Source provides the routing table to archive.
type Source interface {
	Routes() map[string]map[string]string
}

// Clock provides time functions for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config configures an Archiver.
type Config struct {
	ClusterID string
	Origin    string

	// Interval between cycles. Defaults to 5 minutes.
	Interval time.Duration

	// Retain is the number of snapshots kept per origin. Defaults to 12.
	Retain int

	Clock   Clock
	Metrics *metrics.ArchiveMetrics
	Logger  *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Retain <= 0 {
		c.Retain = 12
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
}

// Archiver writes snapshots of one node's routing table.
type Archiver struct {
	store  objectstore.Store
	source Source
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	restored bool
	last     string
}

// New creates an archiver over store.
func New(store objectstore.Store, source Source, cfg Config) *Archiver {
	cfg.applyDefaults()
	return &Archiver{
		store:  store,
		source: source,
		cfg:    cfg,
		logger: cfg.Logger.Named("archive").WithOrigin(cfg.Origin),
	}
}

// Run archives on every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Infof("route archive started", map[string]any{
		"interval": a.cfg.Interval.String(),
		"retain":   a.cfg.Retain,
	})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Snapshot(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warnf("route snapshot failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Snapshot runs one cycle. It returns the key written, or "" when the
// table is unchanged since the last snapshot.
func (a *Archiver) Snapshot(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.restored {
		latest, err := a.latestKey(ctx, a.cfg.Origin)
		switch {
		case err == nil:
			a.last = latest.Checksum
		case !errors.Is(err, ErrNoSnapshot):
			a.cfg.Metrics.RecordCycle(metrics.SnapshotFailed, 0)
			return "", err
		}
		a.restored = true
	}

	routes := a.source.Routes()
	checksum := routing.Checksum(routes)
	if checksum == a.last {
		a.cfg.Metrics.RecordCycle(metrics.SnapshotUnchanged, 0)
		return "", nil
	}

	now := a.cfg.Clock.Now().UnixMilli()
	rows := rowsFromRoutes(routes, checksum, now)
	key, err := a.write(ctx, rows, checksum, now)
	if err != nil {
		a.cfg.Metrics.RecordCycle(metrics.SnapshotFailed, 0)
		return "", err
	}
	a.last = checksum
	a.cfg.Metrics.RecordCycle(metrics.SnapshotWritten, len(rows))
	a.logger.Infof("route snapshot written", map[string]any{
		"key":      key,
		"rows":     len(rows),
		"checksum": checksum,
	})

	if err := a.prune(ctx); err != nil {
		a.logger.Warnf("snapshot retention failed", map[string]any{"error": err.Error()})
	}
	return key, nil
}

func (a *Archiver) write(ctx context.Context, rows []Row, checksum string, capturedAtMs int64) (string, error) {
	key, err := keys.SnapshotKeyPath(a.cfg.ClusterID, a.cfg.Origin, capturedAtMs, checksum)
	if err != nil {
		return "", err
	}
	data, err := EncodeRows(rows)
	if err != nil {
		return "", err
	}
	err = a.store.PutWithOptions(ctx, key, bytes.NewReader(data), int64(len(data)), contentType, objectstore.PutOptions{
		Metadata: map[string]string{
			"origin":   a.cfg.Origin,
			"checksum": checksum,
			"rows":     strconv.Itoa(len(rows)),
		},
		IfNoneMatch: "*",
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

// prune deletes all but the newest Retain snapshots of this origin.
func (a *Archiver) prune(ctx context.Context) error {
	snaps, err := a.List(ctx, a.cfg.Origin)
	if err != nil {
		return err
	}
	if len(snaps) <= a.cfg.Retain {
		return nil
	}

	var errs []error
	deleted := 0
	for _, s := range snaps[:len(snaps)-a.cfg.Retain] {
		key, _ := keys.SnapshotKeyPath(s.ClusterID, s.Origin, s.CapturedAtMs, s.Checksum)
		if err := a.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	a.cfg.Metrics.RecordPruned(deleted)
	return errors.Join(errs...)
}

// List returns the snapshots of origin, oldest first. Objects under the
// origin's prefix that are not snapshots are skipped.
func (a *Archiver) List(ctx context.Context, origin string) ([]keys.SnapshotKey, error) {
	objects, err := a.store.List(ctx, keys.SnapshotPrefix(a.cfg.ClusterID, origin))
	if err != nil {
		return nil, err
	}
	out := make([]keys.SnapshotKey, 0, len(objects))
	for _, obj := range objects {
		k, err := keys.ParseSnapshotKey(obj.Key)
		if err != nil {
			a.logger.Debugf("skipping foreign object", map[string]any{"key": obj.Key})
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (a *Archiver) latestKey(ctx context.Context, origin string) (keys.SnapshotKey, error) {
	snaps, err := a.List(ctx, origin)
	if err != nil {
		return keys.SnapshotKey{}, err
	}
	if len(snaps) == 0 {
		return keys.SnapshotKey{}, fmt.Errorf("%w for %s", ErrNoSnapshot, origin)
	}
	return snaps[len(snaps)-1], nil
}

// Latest returns the newest snapshot of origin and its rows.
func (a *Archiver) Latest(ctx context.Context, origin string) (keys.SnapshotKey, []Row, error) {
	k, err := a.latestKey(ctx, origin)
	if err != nil {
		return keys.SnapshotKey{}, nil, err
	}
	rows, err := a.Load(ctx, k)
	return k, rows, err
}

// Load reads the rows of one snapshot.
func (a *Archiver) Load(ctx context.Context, k keys.SnapshotKey) ([]Row, error) {
	key, err := keys.SnapshotKeyPath(k.ClusterID, k.Origin, k.CapturedAtMs, k.Checksum)
	if err != nil {
		return nil, err
	}
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return DecodeRows(data)
}
