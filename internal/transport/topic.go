package transport

import (
	"fmt"
	"strings"
)

var reservedExtensions = []string{".com", ".exe", ".bat", ".cmd", ".dll", ".sys"}

var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ValidateTopic checks that name is usable on every backend: lower case
// letters, digits, '.', '_' and '-' only, at least one dot, and no
// segment that a filesystem-backed broker would refuse.
func ValidateTopic(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidTopic, name, c)
		}
	}
	if !strings.Contains(name, ".") {
		return fmt.Errorf("%w: %q must contain a dot", ErrInvalidTopic, name)
	}
	for _, ext := range reservedExtensions {
		if strings.HasSuffix(name, ext) {
			return fmt.Errorf("%w: %q ends with reserved extension %s", ErrInvalidTopic, name, ext)
		}
	}
	for _, segment := range strings.Split(name, ".") {
		if reservedNames[segment] {
			return fmt.Errorf("%w: %q uses reserved name %s", ErrInvalidTopic, name, segment)
		}
	}
	return nil
}
