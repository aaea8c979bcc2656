package envelope

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSegment is returned by Assembler.Add for a segment with missing
// or inconsistent segment headers or a non-byte body.
var ErrInvalidSegment = errors.New("envelope: invalid segment")

// Split cuts payload into segment envelopes of at most size bytes each.
// Segments carry no destination; the payload they reassemble into does.
func Split(payload []byte, size int) []*Envelope {
	if size <= 0 {
		size = len(payload)
	}
	total := (len(payload) + size - 1) / size
	if total == 0 {
		total = 1
	}

	id := uuid.NewString()
	segments := make([]*Envelope, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		segments = append(segments, &Envelope{
			ID: uuid.NewString(),
			Headers: map[string]string{
				HeaderSegmentID:    id,
				HeaderSegmentCount: strconv.Itoa(i + 1),
				HeaderSegmentTotal: strconv.Itoa(total),
			},
			Body: payload[start:end],
		})
	}
	return segments
}

type partial struct {
	parts    [][]byte
	received int
	firstAt  time.Time
}

// Assembler rebuilds payloads from segments. Incomplete payloads are
// discarded once older than the TTL.
type Assembler struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]*partial
}

// NewAssembler returns an Assembler that drops partial payloads after ttl.
func NewAssembler(ttl time.Duration) *Assembler {
	return &Assembler{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]*partial),
	}
}

// Add records one segment. It returns the payload and true once every
// segment of that payload has arrived.
func (a *Assembler) Add(seg *Envelope) ([]byte, bool, error) {
	id := seg.Header(HeaderSegmentID)
	if id == "" {
		return nil, false, fmt.Errorf("%w: missing %s", ErrInvalidSegment, HeaderSegmentID)
	}
	index, err := strconv.Atoi(seg.Header(HeaderSegmentCount))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrInvalidSegment, HeaderSegmentCount, err)
	}
	total, err := strconv.Atoi(seg.Header(HeaderSegmentTotal))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrInvalidSegment, HeaderSegmentTotal, err)
	}
	if total < 1 || index < 1 || index > total {
		return nil, false, fmt.Errorf("%w: segment %d of %d", ErrInvalidSegment, index, total)
	}
	body, ok := seg.BodyBytes()
	if !ok && seg.Body != nil {
		return nil, false, fmt.Errorf("%w: body is %T", ErrInvalidSegment, seg.Body)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.expireLocked(now)

	p, ok := a.pending[id]
	if !ok {
		p = &partial{parts: make([][]byte, total), firstAt: now}
		a.pending[id] = p
	}
	if len(p.parts) != total {
		delete(a.pending, id)
		return nil, false, fmt.Errorf("%w: segment total changed from %d to %d", ErrInvalidSegment, len(p.parts), total)
	}
	if p.parts[index-1] == nil {
		if body == nil {
			body = []byte{}
		}
		p.parts[index-1] = body
		p.received++
	}
	if p.received < total {
		return nil, false, nil
	}

	delete(a.pending, id)
	size := 0
	for _, part := range p.parts {
		size += len(part)
	}
	out := make([]byte, 0, size)
	for _, part := range p.parts {
		out = append(out, part...)
	}
	return out, true, nil
}

// Expire drops partial payloads older than the TTL and returns how many
// were dropped.
func (a *Assembler) Expire() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expireLocked(a.now())
}

// Pending returns the number of incomplete payloads.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Assembler) expireLocked(now time.Time) int {
	if a.ttl <= 0 {
		return 0
	}
	dropped := 0
	for id, p := range a.pending {
		if now.Sub(p.firstAt) > a.ttl {
			delete(a.pending, id)
			dropped++
		}
	}
	return dropped
}
