package consumer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidStart is returned by ParseStart for unusable input.
var ErrInvalidStart = errors.New("consumer: invalid start position")

// StartKind selects where a subscription begins reading.
type StartKind int

const (
	// StartLatest resumes at the transport's position for the group.
	StartLatest StartKind = iota
	// StartInitialize runs the initial-load bootstrap before streaming.
	StartInitialize
	// StartOffset positions the subscription at an explicit offset.
	StartOffset
)

// Start is a subscription start position.
type Start struct {
	Kind   StartKind
	Offset int64
}

var (
	Latest     = Start{Kind: StartLatest}
	Initialize = Start{Kind: StartInitialize}
)

// AtOffset returns an explicit start position.
func AtOffset(offset int64) Start {
	return Start{Kind: StartOffset, Offset: offset}
}

// ParseStart accepts "latest", "initialize" or a non-negative offset.
// The empty string means latest.
func ParseStart(s string) (Start, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest":
		return Latest, nil
	case "initialize", "init":
		return Initialize, nil
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Start{}, fmt.Errorf("%w: %q", ErrInvalidStart, s)
	}
	if n < 0 {
		return Start{}, fmt.Errorf("%w: negative offset %d", ErrInvalidStart, n)
	}
	return AtOffset(n), nil
}

func (s Start) String() string {
	switch s.Kind {
	case StartLatest:
		return "latest"
	case StartInitialize:
		return "initialize"
	default:
		return strconv.FormatInt(s.Offset, 10)
	}
}
