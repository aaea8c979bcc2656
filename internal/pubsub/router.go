package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dray-io/meshsync/internal/consumer"
	"github.com/dray-io/meshsync/internal/envelope"
)

// ErrNoRoute is returned when no local handler serves an address.
var ErrNoRoute = errors.New("pubsub: no local handler for address")

// Router maps local addresses to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]consumer.Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]consumer.Handler)}
}

// Register serves address with h, replacing any previous handler.
func (r *Router) Register(address string, h consumer.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[address] = h
}

// Unregister removes the handler of address.
func (r *Router) Unregister(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, address)
}

// Has reports whether address has a local handler.
func (r *Router) Has(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[address]
	return ok
}

// Addresses returns the served addresses, sorted.
func (r *Router) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Deliver hands env to the handler of env.To.
func (r *Router) Deliver(ctx context.Context, env *envelope.Envelope) error {
	r.mu.RLock()
	h, ok := r.handlers[env.To]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoRoute, env.To)
	}
	return h.HandleEvent(ctx, env)
}
