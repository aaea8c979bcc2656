// Package server serves the node's operational HTTP surface: liveness,
// readiness, and a JSON dump of the routing table.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/meshsync/internal/logging"
)

// ReadinessChecker reports whether one dependency of the node is ready.
type ReadinessChecker interface {
	Name() string
	CheckReady(ctx context.Context) error
}

const (
	// DefaultReadinessTimeout bounds each readiness check.
	DefaultReadinessTimeout = 5 * time.Second
	// DefaultStaleAfter is how long a loop may go without a heartbeat
	// before liveness degrades.
	DefaultStaleAfter = 30 * time.Second
)

// Status values reported in HealthStatus.Status.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status       string                 `json:"status"`
	Goroutines   map[string]bool        `json:"goroutines,omitempty"`
	NumGoroutine int                    `json:"numGoroutine,omitempty"`
	Checks       map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

type loopState struct {
	running bool
	beat    time.Time
}

// HealthServer serves /healthz, /readyz, pprof and any handlers
// registered before Start.
type HealthServer struct {
	addr   string
	logger *logging.Logger
	server *http.Server

	shutDown atomic.Bool

	mu               sync.RWMutex
	boundAddr        string
	loops            map[string]*loopState
	checks           []ReadinessChecker
	readinessTimeout time.Duration
	staleAfter       time.Duration
	handlers         map[string]http.Handler
}

// NewHealthServer creates a server for addr. Nothing listens until Start.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger.Named("health"),
		loops:            make(map[string]*loopState),
		readinessTimeout: DefaultReadinessTimeout,
		staleAfter:       DefaultStaleAfter,
		handlers:         make(map[string]http.Handler),
	}
}

// RegisterHandler mounts handler at pattern when the server starts.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	h.handlers[pattern] = handler
	h.mu.Unlock()
}

// RegisterReadinessCheck adds a check run on every /readyz request.
func (h *HealthServer) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	h.checks = append(h.checks, checker)
	h.mu.Unlock()
}

func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	h.readinessTimeout = d
	h.mu.Unlock()
}

// SetStaleAfter sets the heartbeat window of registered loops. A
// non-positive window disables heartbeat checks.
func (h *HealthServer) SetStaleAfter(d time.Duration) {
	h.mu.Lock()
	h.staleAfter = d
	h.mu.Unlock()
}

// Supervise runs fn as a registered loop and marks it stopped when fn
// returns.
func (h *HealthServer) Supervise(name string, fn func() error) error {
	h.RegisterGoroutine(name)
	defer h.UnregisterGoroutine(name)

	err := fn()
	if err != nil {
		h.logger.Errorf("supervised loop failed", map[string]any{"loop": name, "error": err.Error()})
	}
	return err
}

// RegisterGoroutine marks the loop name as running.
func (h *HealthServer) RegisterGoroutine(name string) {
	h.mu.Lock()
	h.loops[name] = &loopState{running: true, beat: time.Now()}
	h.mu.Unlock()
}

// UpdateGoroutine records a heartbeat from name.
func (h *HealthServer) UpdateGoroutine(name string) {
	h.mu.Lock()
	if l, ok := h.loops[name]; ok {
		l.beat = time.Now()
	}
	h.mu.Unlock()
}

// UnregisterGoroutine marks name as stopped. It keeps being reported.
func (h *HealthServer) UnregisterGoroutine(name string) {
	h.mu.Lock()
	if l, ok := h.loops[name]; ok {
		l.running = false
	}
	h.mu.Unlock()
}

// SetShuttingDown makes both probes answer 503 from now on.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Start binds the listener and serves in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	h.mu.RLock()
	for pattern, handler := range h.handlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()
	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close stops the listener, waiting up to 5s for in-flight probes.
func (h *HealthServer) Close() error {
	if h.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.CheckHealth())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

// writeStatus answers 200 for StatusOK and 503 otherwise.
func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusOK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(status)
	}
}

// shutdownStatus reports the shutdown check and whether probing should
// stop there.
func (h *HealthServer) shutdownStatus() (HealthStatus, bool) {
	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult)}
	if h.shutDown.Load() {
		status.Status = StatusShuttingDown
		status.Checks["shutdown"] = CheckResult{Message: "node is shutting down"}
		return status, true
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "node is running"}
	return status, false
}

// CheckHealth is the liveness verdict: degraded when a supervised loop has
// stopped or missed its heartbeat window.
func (h *HealthServer) CheckHealth() HealthStatus {
	status, done := h.shutdownStatus()
	if done {
		return status
	}
	status.NumGoroutine = runtime.NumGoroutine()
	status.Goroutines = make(map[string]bool)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.loops) == 0 {
		return status
	}
	healthy := true
	for name, l := range h.loops {
		ok := l.running && (h.staleAfter <= 0 || time.Since(l.beat) < h.staleAfter)
		status.Goroutines[name] = ok
		healthy = healthy && ok
	}
	if healthy {
		status.Checks["goroutines"] = CheckResult{Healthy: true, Message: "all critical goroutines are running"}
	} else {
		status.Status = StatusDegraded
		status.Checks["goroutines"] = CheckResult{Message: "one or more critical goroutines are not running"}
	}
	return status
}

// CheckReadiness runs every registered check, each under the readiness
// timeout.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	status, done := h.shutdownStatus()
	if done {
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.checks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.CheckReady(checkCtx)
		cancel()
		if err != nil {
			status.Status = StatusNotReady
			status.Checks[c.Name()] = CheckResult{Message: err.Error()}
			continue
		}
		status.Checks[c.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}
