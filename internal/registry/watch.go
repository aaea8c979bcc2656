package registry

// Event reports a membership change: Type is TypeJoin or TypeLeave.
type Event struct {
	Type   string `json:"type"`
	Origin string `json:"origin"`
}

const watchBuffer = 64

// Watch returns a channel of membership events and a function that stops
// the subscription. Events are dropped for a watcher that falls behind.
func (r *Registry) Watch() (<-chan Event, func()) {
	ch := make(chan Event, watchBuffer)

	r.watchMu.Lock()
	r.watchers[ch] = struct{}{}
	r.watchMu.Unlock()

	stop := func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		if _, ok := r.watchers[ch]; ok {
			delete(r.watchers, ch)
			close(ch)
		}
	}
	return ch, stop
}

func (r *Registry) notify(ev Event) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	for ch := range r.watchers {
		select {
		case ch <- ev:
		default:
			r.logger.Debugf("watcher behind, event dropped", map[string]any{
				"type":   ev.Type,
				"origin": ev.Origin,
			})
		}
	}
}
