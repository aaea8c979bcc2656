package routing

import (
	"hash/fnv"
)

// RendezvousPick implements highest random weight (HRW) hashing to select
// one origin for key.
//
// Properties:
//   - Consistent: same (origins, key) always returns same result
//   - Minimal disruption: adding/removing an origin only affects keys mapped to it
//   - Even distribution: keys are spread uniformly across origins
//
// Returns "" when origins is empty.
func RendezvousPick(origins []string, key string) string {
	switch len(origins) {
	case 0:
		return ""
	case 1:
		return origins[0]
	}

	var maxScore uint64
	selected := ""
	for _, origin := range origins {
		score := computeScore(origin, key)
		if selected == "" || score > maxScore {
			maxScore = score
			selected = origin
		}
	}
	return selected
}

// computeScore generates a deterministic score for an origin-key pair.
func computeScore(origin, key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(origin))
	h.Write([]byte{0}) // separator
	h.Write([]byte(key))
	return h.Sum64()
}
