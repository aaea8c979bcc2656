package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metrics"
	"github.com/dray-io/meshsync/internal/routing"
)

var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("registry: already running")
	// ErrCoordinatorRole is returned for route operations on a coordinator.
	ErrCoordinatorRole = errors.New("registry: coordinator does not own routes")
	// ErrRouteNotRegistered is returned when unregistering an unknown route.
	ErrRouteNotRegistered = errors.New("registry: route not registered")
)

// Mailer delivers a message to the registry of another origin.
type Mailer interface {
	Send(ctx context.Context, origin string, env *envelope.Envelope) error
}

// Clock provides time functions for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config configures a Registry.
type Config struct {
	// Origin is this node's unique id.
	Origin string
	// Personality is advertised for every route this node registers.
	Personality string
	// Version is attached to JOIN messages relayed by a coordinator.
	Version string
	// Coordinator makes the registry track membership only.
	Coordinator bool

	OriginTTL     time.Duration
	PingInterval  time.Duration
	SweepInterval time.Duration
	SendTimeout   time.Duration
	MailboxSize   int

	Clock   Clock
	Metrics *metrics.RegistryMetrics
	Logger  *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.OriginTTL <= 0 {
		c.OriginTTL = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 1024
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
}

// peerSet is immutable once published.
type peerSet struct {
	members map[string]struct{}
	sorted  []string
}

func newPeerSet(origins []string) *peerSet {
	ps := &peerSet{members: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o == "" {
			continue
		}
		if _, dup := ps.members[o]; dup {
			continue
		}
		ps.members[o] = struct{}{}
		ps.sorted = append(ps.sorted, o)
	}
	sort.Strings(ps.sorted)
	return ps
}

func (ps *peerSet) has(origin string) bool {
	_, ok := ps.members[origin]
	return ok
}

func (ps *peerSet) with(origin string) *peerSet {
	return newPeerSet(append(append([]string(nil), ps.sorted...), origin))
}

func (ps *peerSet) without(origin string) *peerSet {
	out := make([]string, 0, len(ps.sorted))
	for _, o := range ps.sorted {
		if o != origin {
			out = append(out, o)
		}
	}
	return newPeerSet(out)
}

type outgoing struct {
	origin string
	env    *envelope.Envelope
}

// Registry is the per-node service registry actor.
type Registry struct {
	cfg     Config
	origin  string
	mailer  Mailer
	table   *routing.Table
	clock   Clock
	metrics *metrics.RegistryMetrics
	logger  *logging.Logger

	peers atomic.Pointer[peerSet]

	mailbox chan *envelope.Envelope
	outbox  chan outgoing

	seenMu   sync.RWMutex
	lastSeen map[string]time.Time

	localMu sync.RWMutex
	local   map[string]bool

	watchMu  sync.Mutex
	watchers map[chan Event]struct{}

	running atomic.Bool
}

// New creates a registry for cfg.Origin. It does nothing until Run.
func New(cfg Config, mailer Mailer) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		cfg:      cfg,
		origin:   cfg.Origin,
		mailer:   mailer,
		table:    routing.NewTable(),
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.Named("registry").WithOrigin(cfg.Origin),
		mailbox:  make(chan *envelope.Envelope, cfg.MailboxSize),
		outbox:   make(chan outgoing, cfg.MailboxSize),
		lastSeen: make(map[string]time.Time),
		local:    make(map[string]bool),
		watchers: make(map[chan Event]struct{}),
	}
	r.peers.Store(newPeerSet([]string{cfg.Origin}))
	return r
}

// Origin returns this node's origin.
func (r *Registry) Origin() string {
	return r.origin
}

// Coordinator reports whether the registry runs in the coordinator role.
func (r *Registry) Coordinator() bool {
	return r.cfg.Coordinator
}

// Run drains the mailbox until ctx is done. Pings and origin sweeps run
// on the same goroutine as message handling.
func (r *Registry) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sendLoop(ctx)
	}()
	defer wg.Wait()

	ping := time.NewTicker(r.cfg.PingInterval)
	defer ping.Stop()
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	r.logger.Infof("registry started", map[string]any{
		"coordinator":  r.cfg.Coordinator,
		"pingInterval": r.cfg.PingInterval.String(),
		"originTTL":    r.cfg.OriginTTL.String(),
	})

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry stopped")
			return nil
		case env := <-r.mailbox:
			r.handle(env)
		case <-ping.C:
			r.handle(PingMessage())
		case <-sweep.C:
			r.sweep()
		}
	}
}

// Tell queues env for the actor. It blocks while the mailbox is full.
func (r *Registry) Tell(ctx context.Context, env *envelope.Envelope) error {
	select {
	case r.mailbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent queues an inbound message, letting the registry serve as
// the handler of its own address.
func (r *Registry) HandleEvent(ctx context.Context, env *envelope.Envelope) error {
	return r.Tell(ctx, env)
}

// RegisterRoute records route as served by this node. Public routes are
// announced to every peer; private routes stay out of the shared table.
func (r *Registry) RegisterRoute(ctx context.Context, route string, private bool) error {
	if r.cfg.Coordinator {
		return ErrCoordinatorRole
	}
	if err := routing.ValidateRoute(route); err != nil {
		return err
	}

	r.localMu.Lock()
	r.local[route] = private
	r.localMu.Unlock()

	if private {
		return nil
	}
	return r.Tell(ctx, AddMessage(r.origin, route, r.cfg.Personality))
}

// UnregisterRoute forgets a route registered with RegisterRoute.
func (r *Registry) UnregisterRoute(ctx context.Context, route string) error {
	if r.cfg.Coordinator {
		return ErrCoordinatorRole
	}

	r.localMu.Lock()
	private, ok := r.local[route]
	delete(r.local, route)
	r.localMu.Unlock()

	if !ok {
		return ErrRouteNotRegistered
	}
	if private {
		return nil
	}
	return r.Tell(ctx, UnregisterMessage(r.origin, route))
}

// LocalRoutes returns the routes this node registered, route -> private.
func (r *Registry) LocalRoutes() map[string]bool {
	r.localMu.RLock()
	defer r.localMu.RUnlock()

	out := make(map[string]bool, len(r.local))
	for k, v := range r.local {
		out[k] = v
	}
	return out
}

// Routes returns a copy of the routing table.
func (r *Registry) Routes() map[string]map[string]string {
	return r.table.Routes()
}

// Bindings returns every binding in the table, sorted.
func (r *Registry) Bindings() []routing.Binding {
	return r.table.Bindings()
}

// Instances returns origin -> personality for route.
func (r *Registry) Instances(route string) map[string]string {
	return r.table.Instances(route)
}

// Destinations returns the origins serving route.
func (r *Registry) Destinations(route string) []string {
	return r.table.Destinations(route)
}

// Destination picks a stable origin serving route for key.
func (r *Registry) Destination(route, key string) (string, bool) {
	return r.table.Destination(route, key)
}

// DestinationExists reports whether any origin serves route. Private
// routes of this node count as well.
func (r *Registry) DestinationExists(route string) bool {
	if r.table.HasRoute(route) {
		return true
	}
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	_, ok := r.local[route]
	return ok
}

// Checksum returns the digest of the routing table.
func (r *Registry) Checksum() string {
	return r.table.Checksum()
}

// Peers returns the current peer set, self included, sorted.
func (r *Registry) Peers() []string {
	return append([]string(nil), r.peers.Load().sorted...)
}

// Origins returns every origin the registry knows of: peers, origins
// heard from, and origins bound in the table.
func (r *Registry) Origins() []string {
	seen := make(map[string]struct{})
	for _, o := range r.peers.Load().sorted {
		seen[o] = struct{}{}
	}
	r.seenMu.RLock()
	for o := range r.lastSeen {
		seen[o] = struct{}{}
	}
	r.seenMu.RUnlock()
	for _, o := range r.table.Origins() {
		seen[o] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// LastSeen returns when origin was last heard from.
func (r *Registry) LastSeen(origin string) (time.Time, bool) {
	r.seenMu.RLock()
	defer r.seenMu.RUnlock()
	t, ok := r.lastSeen[origin]
	return t, ok
}

func (r *Registry) touch(origins ...string) {
	now := r.clock.Now()
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	for _, o := range origins {
		if o != "" && o != r.origin {
			r.lastSeen[o] = now
		}
	}
}

func (r *Registry) forget(origin string) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	delete(r.lastSeen, origin)
}

// alive reports whether origin has been heard from within the TTL.
// Members never heard from directly count as alive.
func (r *Registry) alive(origin string, now time.Time) bool {
	r.seenMu.RLock()
	defer r.seenMu.RUnlock()
	seen, ok := r.lastSeen[origin]
	return !ok || now.Sub(seen) <= r.cfg.OriginTTL
}

// targets returns live peers other than self.
func (r *Registry) targets() []string {
	now := r.clock.Now()
	var out []string
	for _, o := range r.peers.Load().sorted {
		if o != r.origin && r.alive(o, now) {
			out = append(out, o)
		}
	}
	return out
}

// emit queues env for origin. A full outbox drops the message; the next
// anti-entropy cycle repairs whatever it carried.
func (r *Registry) emit(origin string, env *envelope.Envelope) {
	env.From = r.origin
	select {
	case r.outbox <- outgoing{origin: origin, env: env}:
	default:
		r.metrics.RecordSendFailure(env.Type())
		r.logger.Warnf("outbox full, message dropped", map[string]any{
			"type":   env.Type(),
			"target": origin,
		})
	}
}

func (r *Registry) broadcast(build func(target string) *envelope.Envelope) {
	for _, target := range r.targets() {
		r.emit(target, build(target))
	}
}

func (r *Registry) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-r.outbox:
			r.deliver(ctx, out)
		}
	}
}

func (r *Registry) deliver(ctx context.Context, out outgoing) {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	if err := r.mailer.Send(sendCtx, out.origin, out.env); err != nil {
		r.metrics.RecordSendFailure(out.env.Type())
		r.logger.Warnf("send failed", map[string]any{
			"type":   out.env.Type(),
			"target": out.origin,
			"error":  err.Error(),
		})
	}
}
