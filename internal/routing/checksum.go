package routing

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Canonical renders routes in the form hashed by Checksum.
func Canonical(routes map[string]map[string]string) string {
	names := make([]string, 0, len(routes))
	for route := range routes {
		names = append(names, route)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('*')
	for _, route := range names {
		b.WriteString(route)
		b.WriteByte(':')
		for _, origin := range sortedKeys(routes[route]) {
			b.WriteString(origin)
			b.WriteByte('-')
			b.WriteString(routes[route][origin])
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Checksum returns the BLAKE3-256 digest of the canonical rendering,
// URL-safe base64 without padding.
func Checksum(routes map[string]map[string]string) string {
	sum := blake3.Sum256([]byte(Canonical(routes)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
