package registry

import (
	"sort"
)

// sweep drops origins not heard from within the TTL, as if each had sent
// a LEAVE. It runs on the actor goroutine and returns the number removed.
func (r *Registry) sweep() int {
	now := r.clock.Now()

	var expired []string
	r.seenMu.RLock()
	for origin, seen := range r.lastSeen {
		if now.Sub(seen) > r.cfg.OriginTTL {
			expired = append(expired, origin)
		}
	}
	r.seenMu.RUnlock()

	if len(expired) == 0 {
		return 0
	}
	sort.Strings(expired)

	for _, origin := range expired {
		r.leaveOther(origin)
	}
	r.metrics.RecordExpired(len(expired))
	r.metrics.SetState(len(r.peers.Load().sorted), r.table.Len())
	r.logger.Infof("expired origins removed", map[string]any{
		"origins": expired,
		"ttl":     r.cfg.OriginTTL.String(),
	})
	return len(expired)
}
