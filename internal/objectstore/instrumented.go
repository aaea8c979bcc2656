package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/dray-io/meshsync/internal/metrics"
)

// MetricsRecorder records object store calls. *metrics.ObjectStoreMetrics
// implements it.
type MetricsRecorder interface {
	RecordOperation(operation string, durationSeconds float64, success bool, bytes int64)
}

// InstrumentedStore wraps a Store and records every call.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder passes calls through.
func NewInstrumentedStore(store Store, recorder MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: recorder}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error, bytes int64) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil, bytes)
	}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.store.Put(ctx, key, reader, size, contentType)
	s.record(metrics.OpObjPut, start, err, size)
	return err
}

func (s *InstrumentedStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	start := time.Now()
	err := s.store.PutWithOptions(ctx, key, reader, size, contentType, opts)
	s.record(metrics.OpObjPut, start, err, size)
	return err
}

// Get records on Close of the returned body, with the bytes read.
func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		s.record(metrics.OpObjGet, start, err, 0)
		return nil, err
	}
	if s.metrics == nil {
		return rc, nil
	}
	return &instrumentedReadCloser{ReadCloser: rc, start: start, store: s}, nil
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	s.record(metrics.OpObjHead, start, err, 0)
	return meta, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.record(metrics.OpObjDelete, start, err, 0)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	result, err := s.store.List(ctx, prefix)
	s.record(metrics.OpObjList, start, err, 0)
	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

type instrumentedReadCloser struct {
	io.ReadCloser
	start     time.Time
	store     *InstrumentedStore
	bytesRead int64
	readErr   error
	closed    bool
}

func (r *instrumentedReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.bytesRead += int64(n)
	if err != nil && err != io.EOF {
		r.readErr = err
	}
	return n, err
}

func (r *instrumentedReadCloser) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ReadCloser.Close()
	failure := err
	if failure == nil {
		failure = r.readErr
	}
	r.store.record(metrics.OpObjGet, r.start, failure, r.bytesRead)
	return err
}

var _ Store = (*InstrumentedStore)(nil)
