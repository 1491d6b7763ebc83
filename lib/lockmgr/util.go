package lockmgr

import (
	"sort"

	"github.com/google/uuid"
)

// generateOwnerID creates a new unique owner ID (a random UUID)
func generateOwnerID() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id[:], nil
}

// sortedKeys returns the distinct keys in ascending order.
// Every member acquires keys in this order, which rules out lock order deadlocks.
func sortedKeys(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
