package metadata

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// notifyBuffer bounds each stream's backlog. A stream that falls further
// behind loses notifications, as a real store's watcher would after a
// reconnect; consumers reconcile with a periodic List.
const notifyBuffer = 256

// MockStore implements MetadataStore in memory.
// It is exported so that tests in other packages can use it, and backs
// single-process deployments configured with the mock backend.
type MockStore struct {
	mu        sync.RWMutex
	data      map[string]KV
	ephemeral map[string]struct{}
	closed    bool
	nextVer   Version
	streams   map[*mockNotificationStream]struct{}
	closeErr  error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]struct{}),
		nextVer:   1,
		streams:   make(map[*mockNotificationStream]struct{}),
	}
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	if expected := ExtractExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if !ok && *expected != 0 {
			return 0, ErrVersionMismatch
		}
		if ok && existing.Version != *expected {
			return 0, ErrVersionMismatch
		}
	}

	delete(m.ephemeral, key)
	return m.writeLocked(key, value), nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	existing, ok := m.data[key]
	if !ok {
		return nil
	}
	if expected := ExtractDeleteExpectedVersion(opts); expected != nil && existing.Version != *expected {
		return ErrVersionMismatch
	}

	m.deleteLocked(key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			// An empty endKey turns startKey into a prefix.
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	existing, ok := m.data[key]
	expectNotExists, expected := ExtractEphemeralOptions(opts)
	if expectNotExists && ok {
		return 0, ErrVersionMismatch
	}
	if expected != nil && (!ok || existing.Version != *expected) {
		return 0, ErrVersionMismatch
	}

	m.ephemeral[key] = struct{}{}
	return m.writeLocked(key, value), nil
}

func (m *MockStore) Notifications(_ context.Context) (NotificationStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	s := &mockNotificationStream{
		store: m,
		ch:    make(chan Notification, notifyBuffer),
	}
	m.streams[s] = struct{}{}
	return s, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.streams {
		close(s.ch)
	}
	m.streams = nil
	return m.closeErr
}

// ExpireSession deletes every ephemeral key, as a real store does when the
// owning session times out. It returns the number of keys removed.
func (m *MockStore) ExpireSession() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.ephemeral {
		m.deleteLocked(key)
		n++
	}
	return n
}

// ExpireKey deletes a single ephemeral key. Non-ephemeral keys are left alone.
func (m *MockStore) ExpireKey(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ephemeral[key]; !ok {
		return false
	}
	m.deleteLocked(key)
	return true
}

// SimulateNotification delivers n to every open stream without touching data.
func (m *MockStore) SimulateNotification(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyLocked(n)
}

// StreamCount returns the number of open notification streams.
func (m *MockStore) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

func (m *MockStore) writeLocked(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: value, Version: ver}
	m.notifyLocked(Notification{Key: key, Value: value, Version: ver})
	return ver
}

func (m *MockStore) deleteLocked(key string) {
	delete(m.data, key)
	delete(m.ephemeral, key)
	m.notifyLocked(Notification{Key: key, Deleted: true})
}

func (m *MockStore) notifyLocked(n Notification) {
	for s := range m.streams {
		select {
		case s.ch <- n:
		default:
		}
	}
}

type mockNotificationStream struct {
	store *MockStore
	ch    chan Notification

	mu     sync.Mutex
	closed bool
}

var errStreamClosed = errors.New("metadata: notification stream closed")

func (s *mockNotificationStream) Next(ctx context.Context) (Notification, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Notification{}, errStreamClosed
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case n, ok := <-s.ch:
		if !ok {
			return Notification{}, errStreamClosed
		}
		return n, nil
	}
}

func (s *mockNotificationStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.store.mu.Lock()
	delete(s.store.streams, s)
	s.store.mu.Unlock()
	return nil
}

var _ MetadataStore = (*MockStore)(nil)
