package registry

import (
	"github.com/dray-io/meshsync/internal/envelope"
)

// handle applies one message. It runs only on the actor goroutine.
func (r *Registry) handle(env *envelope.Envelope) {
	msgType := env.Type()
	r.metrics.RecordMessage(msgType)

	if r.cfg.Coordinator && msgType != TypePeers {
		r.logger.Debugf("coordinator ignores message", map[string]any{"type": msgType})
		return
	}

	switch msgType {
	case TypePeers:
		r.handlePeers(env)
	case TypePing:
		r.handlePing()
	case TypeChecksum:
		r.handleChecksum(env)
	case TypeJoin:
		r.handleJoin(env)
	case TypeLeave:
		r.handleLeave(env)
	case TypeAdd:
		r.handleAdd(env)
	case TypeUnregister:
		r.handleUnregister(env)
	default:
		r.logger.Warnf("unknown registry message", map[string]any{
			"type": msgType,
			"from": env.From,
		})
	}

	r.metrics.SetState(len(r.peers.Load().sorted), r.table.Len())
}

func (r *Registry) handlePeers(env *envelope.Envelope) {
	origins, err := env.BodyStrings()
	if err != nil {
		r.logger.Warnf("invalid peer snapshot", map[string]any{"error": err.Error()})
		return
	}

	prev := r.peers.Load()
	next := newPeerSet(append(origins, r.origin))

	var added, removed []string
	for _, o := range next.sorted {
		if o != r.origin && !prev.has(o) {
			added = append(added, o)
		}
	}
	for _, o := range prev.sorted {
		if o != r.origin && !next.has(o) {
			removed = append(removed, o)
		}
	}

	r.peers.Store(next)
	r.touch(next.sorted...)

	if len(next.sorted) == 1 {
		r.logger.Info("running alone")
	}
	if len(added) > 0 || len(removed) > 0 {
		r.logger.Infof("peer set changed", map[string]any{
			"peers":   next.sorted,
			"added":   added,
			"removed": removed,
		})
	}

	if r.cfg.Coordinator {
		// Each member re-registers when it sees its own JOIN echoed back.
		for _, o := range added {
			r.emit(o, JoinMessage(o, r.cfg.Version))
			r.notify(Event{Type: TypeJoin, Origin: o})
		}
		for _, o := range removed {
			r.forget(o)
			for _, target := range r.targets() {
				r.emit(target, LeaveMessage(o))
			}
			r.notify(Event{Type: TypeLeave, Origin: o})
		}
		return
	}

	for _, o := range added {
		r.joinOther(o, true)
	}
	for _, o := range removed {
		r.leaveOther(o)
	}
}

func (r *Registry) handlePing() {
	targets := r.targets()
	if len(targets) == 0 {
		r.logger.Debug("running alone, checksum not sent")
		return
	}

	checksum := r.table.Checksum()
	for _, target := range targets {
		r.emit(target, ChecksumMessage(r.origin, checksum, target))
	}
}

func (r *Registry) handleChecksum(env *envelope.Envelope) {
	origin := env.Header(envelope.HeaderOrigin)
	if origin == "" || origin == r.origin {
		return
	}
	r.touch(origin)

	if env.Header(envelope.HeaderChecksum) == r.table.Checksum() {
		return
	}

	r.metrics.RecordChecksumMismatch()
	r.logger.Debugf("checksum mismatch, resyncing", map[string]any{"peer": origin})

	// Push ours and pull theirs.
	r.pushSnapshot(origin)
	r.emit(origin, JoinMessage(r.origin, ""))
}

func (r *Registry) handleJoin(env *envelope.Envelope) {
	origin := env.Header(envelope.HeaderOrigin)
	if origin == "" {
		return
	}
	if origin != r.origin {
		r.joinOther(origin, false)
		return
	}

	if version := env.Header(envelope.HeaderVersion); version != "" {
		r.logger.Infof("joined mesh", map[string]any{"coordinatorVersion": version})
	}

	n := 0
	for route, private := range r.LocalRoutes() {
		if !private {
			r.table.Add(r.origin, route, r.cfg.Personality)
			n++
		}
	}
	r.logger.Infof("local routes registered", map[string]any{"routes": n})

	r.broadcast(func(string) *envelope.Envelope { return JoinMessage(r.origin, "") })
	r.notify(Event{Type: TypeJoin, Origin: r.origin})
}

// joinOther records origin as a peer and pushes our snapshot to it.
// fromPeers is set when a peer snapshot already added origin.
func (r *Registry) joinOther(origin string, fromPeers bool) {
	isNew := fromPeers
	if !fromPeers {
		if peers := r.peers.Load(); !peers.has(origin) {
			r.peers.Store(peers.with(origin))
			r.logger.Infof("peer joined", map[string]any{"peer": origin})
			isNew = true
		}
	}
	r.touch(origin)

	r.pushSnapshot(origin)
	if isNew {
		r.notify(Event{Type: TypeJoin, Origin: origin})
	}
}

// pushSnapshot sends our own routes to origin. A node with none sends
// nothing.
func (r *Registry) pushSnapshot(origin string) {
	routes := r.table.SnapshotForOrigin(r.origin)
	if len(routes) == 0 {
		return
	}
	r.emit(origin, SnapshotMessage(r.origin, routes))
}

func (r *Registry) handleLeave(env *envelope.Envelope) {
	origin := env.Header(envelope.HeaderOrigin)
	if origin == "" {
		return
	}
	if origin != r.origin {
		r.leaveOther(origin)
		return
	}

	// A LEAVE for ourselves is taken to mean the presence service lost us.
	// Nothing confirms that, so the isolation below may be premature.
	var dropped []string
	for _, o := range r.Origins() {
		if o == r.origin {
			continue
		}
		r.table.RemoveOrigin(o)
		r.forget(o)
		dropped = append(dropped, o)
	}
	r.peers.Store(newPeerSet([]string{r.origin}))

	r.logger.Warnf("received own LEAVE, isolating node", map[string]any{
		"dropped": dropped,
	})
	for _, o := range dropped {
		r.notify(Event{Type: TypeLeave, Origin: o})
	}
	r.notify(Event{Type: TypeLeave, Origin: r.origin})
}

func (r *Registry) leaveOther(origin string) {
	peers := r.peers.Load()
	wasPeer := peers.has(origin)
	if wasPeer {
		r.peers.Store(peers.without(origin))
	}
	r.forget(origin)
	routes := r.table.RemoveOrigin(origin)

	if wasPeer || len(routes) > 0 {
		r.logger.Infof("peer left", map[string]any{
			"peer":   origin,
			"routes": routes,
		})
		r.notify(Event{Type: TypeLeave, Origin: origin})
	}
}

func (r *Registry) handleAdd(env *envelope.Envelope) {
	origin := env.Header(envelope.HeaderOrigin)
	if origin == "" {
		return
	}
	r.remember(origin)

	if route := env.Header(envelope.HeaderRoute); route != "" {
		personality := env.Header(envelope.HeaderPersonality)
		r.table.Add(origin, route, personality)
		if origin == r.origin {
			r.broadcast(func(string) *envelope.Envelope {
				return AddMessage(r.origin, route, personality)
			})
		}
		return
	}

	// Bulk snapshots are the sender's own routes and are never relayed.
	routes, err := env.BodyStringMap()
	if err != nil {
		r.logger.Warnf("invalid route snapshot", map[string]any{
			"origin": origin,
			"error":  err.Error(),
		})
		return
	}
	for route, personality := range routes {
		r.table.Add(origin, route, personality)
	}
}

func (r *Registry) handleUnregister(env *envelope.Envelope) {
	origin := env.Header(envelope.HeaderOrigin)
	route := env.Header(envelope.HeaderRoute)
	if origin == "" || route == "" {
		return
	}

	r.table.Remove(origin, route)
	if origin == r.origin {
		r.broadcast(func(string) *envelope.Envelope {
			return UnregisterMessage(r.origin, route)
		})
	}
}

// remember starts the TTL clock for an origin first seen through its
// routes.
func (r *Registry) remember(origin string) {
	if origin == r.origin {
		return
	}
	if _, ok := r.LastSeen(origin); !ok {
		r.touch(origin)
	}
}
