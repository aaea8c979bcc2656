package consumer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/transport"
)

// Marker record contents.
const (
	MarkerType = "init"
	MarkerBody = "init"
)

// State is a step of the initial-load state machine.
type State int

const (
	StateSettling State = iota
	StateWaitingSentinel
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateSettling:
		return "SETTLING"
	case StateWaitingSentinel:
		return "WAITING_SENTINEL"
	case StateStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Verdict is what the initial load decides for one record.
type Verdict int

const (
	// VerdictDispatch passes the record on.
	VerdictDispatch Verdict = iota
	// VerdictSkip drops a backlog record seen before the marker.
	VerdictSkip
	// VerdictMarker is the first sighting of our marker. It is dispatched.
	VerdictMarker
	// VerdictDuplicate drops a republished copy of the marker.
	VerdictDuplicate
)

// BootstrapConfig tunes marker publication.
type BootstrapConfig struct {
	// SettleDelay is the wait between attach and the first marker.
	SettleDelay time.Duration
	// RetryInterval spaces republished markers.
	RetryInterval time.Duration
	// MaxAttempts caps marker publications.
	MaxAttempts int
}

func (c *BootstrapConfig) applyDefaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// InitialLoad separates the backlog of a partition from live traffic. It
// publishes a uniquely tokened marker into the partition it reads and
// drops everything that arrives before the marker comes back.
type InitialLoad struct {
	cfg   BootstrapConfig
	token string

	mu         sync.Mutex
	state      State
	attachedAt time.Time
	lastSent   time.Time
	attempts   int
	skipped    int64
	doneAt     time.Time

	done chan struct{}
}

// NewInitialLoad starts the state machine in SETTLING at attachedAt.
func NewInitialLoad(cfg BootstrapConfig, attachedAt time.Time) *InitialLoad {
	cfg.applyDefaults()
	return &InitialLoad{
		cfg:        cfg,
		token:      uuid.NewString(),
		state:      StateSettling,
		attachedAt: attachedAt,
		done:       make(chan struct{}),
	}
}

// Token returns the marker token.
func (l *InitialLoad) Token() string {
	return l.token
}

// State returns the current state.
func (l *InitialLoad) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Skipped returns the number of backlog records dropped so far.
func (l *InitialLoad) Skipped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipped
}

// Attempts returns how many markers have been published.
func (l *InitialLoad) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Done is closed when the marker has been observed.
func (l *InitialLoad) Done() <-chan struct{} {
	return l.done
}

// Elapsed returns the time from attach to completion, or to now while
// the load is still running.
func (l *InitialLoad) Elapsed(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.doneAt.IsZero() {
		return l.doneAt.Sub(l.attachedAt)
	}
	return now.Sub(l.attachedAt)
}

// MarkerDue reports whether a marker should be published at now.
func (l *InitialLoad) MarkerDue(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateSettling:
		return now.Sub(l.attachedAt) >= l.cfg.SettleDelay
	case StateWaitingSentinel:
		return l.attempts < l.cfg.MaxAttempts && now.Sub(l.lastSent) >= l.cfg.RetryInterval
	default:
		return false
	}
}

// MarkerSent records a publication. The first one ends SETTLING.
func (l *InitialLoad) MarkerSent(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts++
	l.lastSent = now
	if l.state == StateSettling {
		l.state = StateWaitingSentinel
	}
}

// Exhausted reports whether every allowed marker has been published
// without one coming back.
func (l *InitialLoad) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != StateStreaming && l.attempts >= l.cfg.MaxAttempts
}

// Marker returns the record to publish into topic/partition.
func (l *InitialLoad) Marker(topic string, partition int32) transport.Record {
	return transport.Record{
		Topic:     topic,
		Partition: partition,
		Headers: map[string]string{
			envelope.HeaderType:     MarkerType,
			envelope.HeaderToken:    l.token,
			envelope.HeaderDataType: envelope.DataText,
		},
		Value: []byte(MarkerBody),
	}
}

// Accept classifies r. It must be called in record order.
func (l *InitialLoad) Accept(r transport.Record, now time.Time) Verdict {
	isMarker := r.Headers[envelope.HeaderType] == MarkerType &&
		r.Headers[envelope.HeaderToken] == l.token

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateStreaming {
		if isMarker {
			return VerdictDuplicate
		}
		return VerdictDispatch
	}
	if !isMarker {
		l.skipped++
		return VerdictSkip
	}

	l.state = StateStreaming
	l.doneAt = now
	close(l.done)
	return VerdictMarker
}
