// Package keys provides key encoding and decoding for the mesh keyspace.
//
// Node registrations are ephemeral metadata keys:
//
//	/mesh/v1/cluster/<clusterId>/nodes/<origin>
//
// Route snapshots are object store keys with a zero-padded capture time so
// a prefix listing returns them oldest first:
//
//	routing/<clusterId>/<origin>/<capturedAtMsZ>-<checksum>.parquet
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TimestampWidth is the number of digits for zero-padded millisecond
// timestamps. Width 20 covers every non-negative int64.
const TimestampWidth = 20

// Key prefixes.
const (
	// Prefix is the root prefix for all mesh metadata keys.
	Prefix = "/mesh/v1"

	// ClusterPrefix is the prefix for cluster metadata.
	ClusterPrefix = Prefix + "/cluster"

	// SnapshotRoot is the object key root for archived routing tables.
	SnapshotRoot = "routing"

	snapshotExt = ".parquet"
)

var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrInvalidTimestamp is returned when a timestamp is negative.
	ErrInvalidTimestamp = errors.New("keys: timestamp must be non-negative")
)

// EncodeUint64 encodes v as a zero-padded decimal string of the given width.
func EncodeUint64(v uint64, width int) string {
	return fmt.Sprintf("%0*d", width, v)
}

// DecodeUint64 decodes a zero-padded decimal string.
func DecodeUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// EncodeInt64 encodes a non-negative v as a zero-padded decimal string.
func EncodeInt64(v int64, width int) (string, error) {
	if v < 0 {
		return "", fmt.Errorf("keys: negative value %d not supported", v)
	}
	return fmt.Sprintf("%0*d", width, v), nil
}

// DecodeInt64 decodes a zero-padded decimal string.
func DecodeInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// ClusterKeyPath returns the key for cluster metadata.
func ClusterKeyPath(clusterID string) string {
	return fmt.Sprintf("%s/%s", ClusterPrefix, clusterID)
}

// NodeKeyPath returns the key for a node registration (ephemeral).
// Format: /mesh/v1/cluster/<clusterId>/nodes/<origin>
func NodeKeyPath(clusterID, origin string) string {
	return fmt.Sprintf("%s/%s/nodes/%s", ClusterPrefix, clusterID, origin)
}

// NodesPrefix returns the prefix for listing all nodes in a cluster.
func NodesPrefix(clusterID string) string {
	return fmt.Sprintf("%s/%s/nodes/", ClusterPrefix, clusterID)
}

// ParseNodeKey splits a node key into its cluster and origin.
func ParseNodeKey(key string) (clusterID, origin string, err error) {
	prefix := ClusterPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", ErrInvalidKey
	}

	parts := strings.Split(key[len(prefix):], "/nodes/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}

// SnapshotKey identifies one archived routing table.
type SnapshotKey struct {
	ClusterID    string
	Origin       string
	CapturedAtMs int64
	Checksum     string
}

// SnapshotPrefix returns the object key prefix for an origin's snapshots.
func SnapshotPrefix(clusterID, origin string) string {
	return fmt.Sprintf("%s/%s/%s/", SnapshotRoot, clusterID, origin)
}

// SnapshotKeyPath returns the object key for a snapshot.
func SnapshotKeyPath(clusterID, origin string, capturedAtMs int64, checksum string) (string, error) {
	if capturedAtMs < 0 {
		return "", ErrInvalidTimestamp
	}
	ts, _ := EncodeInt64(capturedAtMs, TimestampWidth)
	return SnapshotPrefix(clusterID, origin) + ts + "-" + checksum + snapshotExt, nil
}

// ParseSnapshotKey parses an object key produced by SnapshotKeyPath.
func ParseSnapshotKey(key string) (SnapshotKey, error) {
	prefix := SnapshotRoot + "/"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, snapshotExt) {
		return SnapshotKey{}, ErrInvalidKey
	}

	parts := strings.Split(strings.TrimSuffix(key[len(prefix):], snapshotExt), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return SnapshotKey{}, ErrInvalidKey
	}

	ts, checksum, ok := strings.Cut(parts[2], "-")
	if !ok || len(ts) != TimestampWidth || checksum == "" {
		return SnapshotKey{}, ErrInvalidKey
	}
	ms, err := DecodeInt64(ts)
	if err != nil {
		return SnapshotKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return SnapshotKey{
		ClusterID:    parts[0],
		Origin:       parts[1],
		CapturedAtMs: ms,
		Checksum:     checksum,
	}, nil
}
