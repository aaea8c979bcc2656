package envelope

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Envelope is a routed message.
type Envelope struct {
	ID            string            `cbor:"id"`
	To            string            `cbor:"to,omitempty"`
	From          string            `cbor:"from,omitempty"`
	Headers       map[string]string `cbor:"headers,omitempty"`
	Body          any               `cbor:"body,omitempty"`
	CorrelationID string            `cbor:"cid,omitempty"`
	TraceID       string            `cbor:"trace,omitempty"`
	TracePath     []string          `cbor:"path,omitempty"`
	Status        int               `cbor:"status,omitempty"`
}

// New returns an envelope with a fresh id.
func New(to string, headers map[string]string, body any) *Envelope {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Envelope{
		ID:      uuid.NewString(),
		To:      to,
		Headers: headers,
		Body:    body,
	}
}

// Header returns the value of header k, or "".
func (e *Envelope) Header(k string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[k]
}

// HasHeader reports whether header k is present.
func (e *Envelope) HasHeader(k string) bool {
	_, ok := e.Headers[k]
	return ok
}

// SetHeader sets header k.
func (e *Envelope) SetHeader(k, v string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[k] = v
}

// Type returns the type header.
func (e *Envelope) Type() string {
	return e.Header(HeaderType)
}

// Clone returns a copy with its own header map. The body is shared.
func (e *Envelope) Clone() *Envelope {
	n := *e
	n.Headers = make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		n.Headers[k] = v
	}
	if e.TracePath != nil {
		n.TracePath = append([]string(nil), e.TracePath...)
	}
	return &n
}

// BodyBytes returns the body when it is a byte slice.
func (e *Envelope) BodyBytes() ([]byte, bool) {
	b, ok := e.Body.([]byte)
	return b, ok
}

// BodyStrings interprets the body as a list of strings. Decoded CBOR
// lists arrive as []any.
func (e *Envelope) BodyStrings() ([]string, error) {
	switch v := e.Body.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("envelope: list item %d is %T, not string", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("envelope: body is %T, not a list", e.Body)
	}
}

// BodyStringMap interprets the body as a string map. Decoded CBOR maps
// arrive as map[string]any.
func (e *Envelope) BodyStringMap() (map[string]string, error) {
	switch v := e.Body.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("envelope: map value %q is %T, not string", k, item)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("envelope: body is %T, not a map", e.Body)
	}
}

func (e *Envelope) String() string {
	keys := make([]string, 0, len(e.Headers))
	for k := range e.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hdr := ""
	for _, k := range keys {
		hdr += " " + k + "=" + e.Headers[k]
	}
	return fmt.Sprintf("Envelope{id=%s to=%s from=%s%s}", e.ID, e.To, e.From, hdr)
}
