package routing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRoute is returned for route names that fail ValidateRoute.
var ErrInvalidRoute = errors.New("routing: invalid route name")

// ValidateRoute checks that name is a dotted, lower-case service address:
// letters, digits, '.', '_' and '-' only, at least one dot, and no empty
// segment.
func ValidateRoute(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoute)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidRoute, name, c)
		}
	}
	if !strings.Contains(name, ".") {
		return fmt.Errorf("%w: %q must contain a dot", ErrInvalidRoute, name)
	}
	for _, segment := range strings.Split(name, ".") {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidRoute, name)
		}
	}
	return nil
}
