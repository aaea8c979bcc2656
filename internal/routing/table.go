package routing

import (
	"sort"
	"sync"
)

// Binding is a single (route, origin, personality) triple.
type Binding struct {
	Route       string `json:"route"`
	Origin      string `json:"origin"`
	Personality string `json:"personality"`
}

// Table maps route -> origin -> personality.
type Table struct {
	mu     sync.RWMutex
	routes map[string]map[string]string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{routes: make(map[string]map[string]string)}
}

// Add binds origin to route. It reports whether the table changed: an
// identical binding is a no-op, a different personality replaces the old
// one.
func (t *Table) Add(origin, route, personality string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	instances, ok := t.routes[route]
	if !ok {
		instances = make(map[string]string)
		t.routes[route] = instances
	}
	if current, ok := instances[origin]; ok && current == personality {
		return false
	}
	instances[origin] = personality
	return true
}

// Remove unbinds origin from route, dropping the route with its last origin.
func (t *Table) Remove(origin, route string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(origin, route)
}

func (t *Table) removeLocked(origin, route string) bool {
	instances, ok := t.routes[route]
	if !ok {
		return false
	}
	if _, ok := instances[origin]; !ok {
		return false
	}
	delete(instances, origin)
	if len(instances) == 0 {
		delete(t.routes, route)
	}
	return true
}

// RemoveOrigin unbinds origin from every route and returns the affected
// routes in sorted order.
func (t *Table) RemoveOrigin(origin string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for route := range t.routes {
		if t.removeLocked(origin, route) {
			removed = append(removed, route)
		}
	}
	sort.Strings(removed)
	return removed
}

// SnapshotForOrigin returns route -> personality for every route origin serves.
func (t *Table) SnapshotForOrigin(origin string) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]string)
	for route, instances := range t.routes {
		if p, ok := instances[origin]; ok {
			out[route] = p
		}
	}
	return out
}

// Routes returns a deep copy of the table.
func (t *Table) Routes() map[string]map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]map[string]string, len(t.routes))
	for route, instances := range t.routes {
		out[route] = copyInstances(instances)
	}
	return out
}

// Bindings returns every binding sorted by route, then origin.
func (t *Table) Bindings() []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Binding
	for route, instances := range t.routes {
		for origin, p := range instances {
			out = append(out, Binding{Route: route, Origin: origin, Personality: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Route != out[j].Route {
			return out[i].Route < out[j].Route
		}
		return out[i].Origin < out[j].Origin
	})
	return out
}

// Instances returns origin -> personality for route, or nil.
func (t *Table) Instances(route string) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	instances, ok := t.routes[route]
	if !ok {
		return nil
	}
	return copyInstances(instances)
}

// Destinations returns the sorted origins serving route.
func (t *Table) Destinations(route string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.routes[route])
}

// Destination picks one origin serving route for key.
func (t *Table) Destination(route, key string) (string, bool) {
	origins := t.Destinations(route)
	if len(origins) == 0 {
		return "", false
	}
	return RendezvousPick(origins, key), true
}

// HasRoute reports whether any origin serves route.
func (t *Table) HasRoute(route string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[route]
	return ok
}

// Origins returns every origin bound to at least one route, sorted.
func (t *Table) Origins() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, instances := range t.routes {
		for origin := range instances {
			seen[origin] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for origin := range seen {
		out = append(out, origin)
	}
	sort.Strings(out)
	return out
}

// HasOrigin reports whether origin serves any route.
func (t *Table) HasOrigin(origin string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, instances := range t.routes {
		if _, ok := instances[origin]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Checksum returns the digest of the current table.
func (t *Table) Checksum() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Checksum(t.routes)
}

func copyInstances(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
