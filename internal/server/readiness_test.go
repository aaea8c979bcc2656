package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dray-io/meshsync/internal/metadata"
	"github.com/dray-io/meshsync/internal/objectstore"
	"github.com/dray-io/meshsync/internal/transport"
	"github.com/dray-io/meshsync/internal/transport/memory"
)

func TestHealthServer_Readyz_OK(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}
}

func TestHealthServer_Readyz_ShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetShuttingDown()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "shutting_down" {
		t.Errorf("expected status 'shutting_down', got %q", status.Status)
	}

	if check, ok := status.Checks["shutdown"]; !ok || check.Healthy {
		t.Error("expected shutdown check to be unhealthy")
	}
}

func TestHealthServer_Readyz_WithHealthyCheck(t *testing.T) {
	h := NewHealthServer(":0", nil)

	// Register a healthy checker
	checker := NewFuncChecker("test_component", func(ctx context.Context) error {
		return nil
	})
	h.RegisterReadinessCheck(checker)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}

	check, ok := status.Checks["test_component"]
	if !ok {
		t.Fatal("expected test_component check to be present")
	}
	if !check.Healthy {
		t.Error("expected test_component check to be healthy")
	}
	if check.Message != "healthy" {
		t.Errorf("expected message 'healthy', got %q", check.Message)
	}
}

func TestHealthServer_Readyz_WithUnhealthyCheck(t *testing.T) {
	h := NewHealthServer(":0", nil)

	// Register an unhealthy checker
	checker := NewFuncChecker("failing_component", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	h.RegisterReadinessCheck(checker)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}

	check, ok := status.Checks["failing_component"]
	if !ok {
		t.Fatal("expected failing_component check to be present")
	}
	if check.Healthy {
		t.Error("expected failing_component check to be unhealthy")
	}
	if check.Message != "connection refused" {
		t.Errorf("expected message 'connection refused', got %q", check.Message)
	}
}

func TestHealthServer_Readyz_MultipleChecks(t *testing.T) {
	h := NewHealthServer(":0", nil)

	// Register multiple checkers - one healthy, one unhealthy
	h.RegisterReadinessCheck(NewFuncChecker("healthy_component", func(ctx context.Context) error {
		return nil
	}))
	h.RegisterReadinessCheck(NewFuncChecker("unhealthy_component", func(ctx context.Context) error {
		return errors.New("service unavailable")
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}

	// Check healthy component
	check, ok := status.Checks["healthy_component"]
	if !ok {
		t.Fatal("expected healthy_component check to be present")
	}
	if !check.Healthy {
		t.Error("expected healthy_component check to be healthy")
	}

	// Check unhealthy component
	check, ok = status.Checks["unhealthy_component"]
	if !ok {
		t.Fatal("expected unhealthy_component check to be present")
	}
	if check.Healthy {
		t.Error("expected unhealthy_component check to be unhealthy")
	}
}

func TestHealthServer_Readyz_MethodNotAllowed(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodPost, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHealthServer_Readyz_HeadMethod(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodHead, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	// HEAD should not have a body
	if w.Body.Len() > 0 {
		t.Error("HEAD response should not have a body")
	}
}

func TestHealthServer_Readyz_Timeout(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetReadinessTimeout(50 * time.Millisecond)

	// Register a slow checker that will timeout
	checker := NewFuncChecker("slow_component", func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.RegisterReadinessCheck(checker)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}

	check, ok := status.Checks["slow_component"]
	if !ok {
		t.Fatal("expected slow_component check to be present")
	}
	if check.Healthy {
		t.Error("expected slow_component check to be unhealthy due to timeout")
	}
}

func TestHealthServer_Readyz_ContentType(t *testing.T) {
	h := NewHealthServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.handleReadyz(w, req)

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", contentType)
	}
}

func TestHealthServer_CheckReadiness(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterReadinessCheck(NewFuncChecker("component", func(ctx context.Context) error {
		return nil
	}))

	status := h.CheckReadiness(context.Background())

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}

	if check, ok := status.Checks["component"]; !ok || !check.Healthy {
		t.Error("expected component check to be healthy")
	}
}

func TestHealthServer_StartWithReadyz(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", nil)
	h.RegisterReadinessCheck(NewFuncChecker("test", func(ctx context.Context) error {
		return nil
	}))

	if err := h.Start(); err != nil {
		t.Fatalf("failed to start health server: %v", err)
	}
	defer h.Close()

	// Give the server time to start
	time.Sleep(50 * time.Millisecond)

	// Make a request to /readyz
	resp, err := http.Get("http://" + h.Addr() + "/readyz")
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}
}

func TestFuncChecker_NilFunc(t *testing.T) {
	checker := NewFuncChecker("test", nil)

	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error for nil func, got: %v", err)
	}

	if checker.Name() != "test" {
		t.Errorf("expected name 'test', got %q", checker.Name())
	}
}

func TestMetadataStoreChecker_NilStore(t *testing.T) {
	checker := NewMetadataStoreChecker(nil)

	err := checker.CheckReady(context.Background())
	if err == nil {
		t.Error("expected error for nil store")
	}
	if err.Error() != "metadata store not configured" {
		t.Errorf("expected 'metadata store not configured', got %q", err.Error())
	}

	if checker.Name() != "metadata_store" {
		t.Errorf("expected name 'metadata_store', got %q", checker.Name())
	}
}

func TestObjectStoreChecker_NilStore(t *testing.T) {
	checker := NewObjectStoreChecker(nil)

	err := checker.CheckReady(context.Background())
	if err == nil {
		t.Error("expected error for nil store")
	}
	if err.Error() != "object store not configured" {
		t.Errorf("expected 'object store not configured', got %q", err.Error())
	}

	if checker.Name() != "object_store" {
		t.Errorf("expected name 'object_store', got %q", checker.Name())
	}
}

func TestMetadataStoreChecker_WithMockStore(t *testing.T) {
	store := metadata.NewMockStore()
	defer store.Close()

	checker := NewMetadataStoreChecker(store)

	err := checker.CheckReady(context.Background())
	if err != nil {
		t.Errorf("expected no error for healthy store, got: %v", err)
	}
}

func TestMetadataStoreChecker_ClosedStore(t *testing.T) {
	store := metadata.NewMockStore()
	store.Close() // Close it immediately

	checker := NewMetadataStoreChecker(store)

	err := checker.CheckReady(context.Background())
	if err == nil {
		t.Error("expected error for closed store")
	}
	if !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got: %v", err)
	}
}

type failingListStore struct {
	*objectstore.MockStore
	err error
}

func (s *failingListStore) List(context.Context, string) ([]objectstore.ObjectMeta, error) {
	return nil, s.err
}

func TestObjectStoreChecker_HealthyStore(t *testing.T) {
	checker := NewObjectStoreChecker(objectstore.NewMockStore())

	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error for empty bucket, got: %v", err)
	}
}

func TestObjectStoreChecker_NotFoundIsReachable(t *testing.T) {
	store := &failingListStore{
		MockStore: objectstore.NewMockStore(),
		err:       &objectstore.ObjectError{Op: "List", Err: objectstore.ErrNotFound},
	}
	checker := NewObjectStoreChecker(store)

	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error for not-found listing, got: %v", err)
	}
}

func TestObjectStoreChecker_BucketNotFound(t *testing.T) {
	store := &failingListStore{
		MockStore: objectstore.NewMockStore(),
		err:       &objectstore.ObjectError{Op: "List", Err: objectstore.ErrBucketNotFound},
	}
	checker := NewObjectStoreChecker(store)

	err := checker.CheckReady(context.Background())
	if !errors.Is(err, objectstore.ErrBucketNotFound) {
		t.Errorf("expected ErrBucketNotFound, got: %v", err)
	}
}

func TestObjectStoreChecker_ClosedStore(t *testing.T) {
	store := objectstore.NewMockStore()
	store.Close()

	err := NewObjectStoreChecker(store).CheckReady(context.Background())
	if !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("expected ErrClosed, got: %v", err)
	}
}

func TestTransportChecker(t *testing.T) {
	tr := memory.New(1)
	if err := tr.CreateTopic("mesh.inbox.node-a", 2); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}

	checker := NewTransportChecker(tr, "mesh.inbox.node-a")
	if checker.Name() != "transport" {
		t.Errorf("expected name 'transport', got %q", checker.Name())
	}
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}

	missing := NewTransportChecker(tr, "mesh.inbox.node-z")
	if err := missing.CheckReady(context.Background()); !errors.Is(err, transport.ErrUnknownTopic) {
		t.Errorf("expected ErrUnknownTopic, got: %v", err)
	}

	if err := NewTransportChecker(nil, "x.y").CheckReady(context.Background()); err == nil {
		t.Error("expected error for nil transport")
	}
}

func TestBootstrapChecker(t *testing.T) {
	done := make(chan struct{})
	checker := NewBootstrapChecker(done)

	err := checker.CheckReady(context.Background())
	if err == nil || err.Error() != "initial load not complete" {
		t.Errorf("expected 'initial load not complete', got: %v", err)
	}

	close(done)
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error after bootstrap, got: %v", err)
	}

	if err := NewBootstrapChecker(nil).CheckReady(context.Background()); err == nil {
		t.Error("expected error for nil channel")
	}
}

func TestFlagChecker(t *testing.T) {
	registered := false
	checker := NewFlagChecker("directory", "not registered", func() bool { return registered })

	if checker.Name() != "directory" {
		t.Errorf("expected name 'directory', got %q", checker.Name())
	}
	err := checker.CheckReady(context.Background())
	if err == nil || err.Error() != "not registered" {
		t.Errorf("expected 'not registered', got: %v", err)
	}

	registered = true
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
}

func TestReadyz_AllDependenciesHealthy(t *testing.T) {
	h := NewHealthServer(":0", nil)

	metaStore := metadata.NewMockStore()
	defer metaStore.Close()
	tr := memory.New(1)
	_ = tr.CreateTopic("mesh.inbox.node-a", 1)
	done := make(chan struct{})
	close(done)

	h.RegisterReadinessCheck(NewMetadataStoreChecker(metaStore))
	h.RegisterReadinessCheck(NewObjectStoreChecker(objectstore.NewMockStore()))
	h.RegisterReadinessCheck(NewTransportChecker(tr, "mesh.inbox.node-a"))
	h.RegisterReadinessCheck(NewBootstrapChecker(done))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	for _, name := range []string{"metadata_store", "object_store", "transport", "bootstrap"} {
		check, ok := status.Checks[name]
		if !ok {
			t.Errorf("expected %s check to be present", name)
			continue
		}
		if !check.Healthy {
			t.Errorf("expected %s check to be healthy, got %q", name, check.Message)
		}
	}
}

func TestReadyz_BootstrapPending(t *testing.T) {
	h := NewHealthServer(":0", nil)

	metaStore := metadata.NewMockStore()
	defer metaStore.Close()
	h.RegisterReadinessCheck(NewMetadataStoreChecker(metaStore))
	h.RegisterReadinessCheck(NewBootstrapChecker(make(chan struct{})))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !status.Checks["metadata_store"].Healthy {
		t.Error("expected metadata_store check to be healthy")
	}
	if status.Checks["bootstrap"].Healthy {
		t.Error("expected bootstrap check to be unhealthy")
	}
}
