package version

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b EntryVersion
		want int
	}{
		{EntryVersion{}, EntryVersion{}, 0},
		{EntryVersion{1, 1}, EntryVersion{1, 2}, -1},
		{EntryVersion{2, 1}, EntryVersion{1, 99}, 1},
		{EntryVersion{3, 7}, EntryVersion{3, 7}, 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.a.Compare(tc.b), "%s vs %s", tc.a, tc.b)
		assert.Equal(t, -tc.want, tc.b.Compare(tc.a), "%s vs %s", tc.b, tc.a)
	}
}

func TestEncodeDecode(t *testing.T) {
	v := EntryVersion{Generation: 4, Seq: 1 << 40}
	b := v.AppendBinary(nil)
	require.Len(t, b, EncodedSize)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, v, got)

	_, err = Decode(b[:3])
	require.Error(t, err)
}

func TestNextIsMonotonic(t *testing.T) {
	g := NewGenerator(1)
	var prev EntryVersion
	for i := 0; i < 100; i++ {
		next := g.Next(prev)
		require.True(t, prev.Less(next), "%s should be older than %s", prev, next)
		prev = next
	}
}

func TestNextDominatesObserved(t *testing.T) {
	g := NewGenerator(1)

	// A replica installed a version issued by a node that is far ahead.
	g.Observe(EntryVersion{Generation: 1, Seq: 500})
	require.Equal(t, EntryVersion{Generation: 1, Seq: 501}, g.Next(EntryVersion{}))

	// The previous version of a key may come from a later generation.
	next := g.Next(EntryVersion{Generation: 3, Seq: 2})
	require.Equal(t, EntryVersion{Generation: 3, Seq: 3}, next)
}

func TestSetGenerationNeverGoesBack(t *testing.T) {
	g := NewGenerator(5)
	g.SetGeneration(2)
	require.Equal(t, uint64(5), g.Generation())

	before := g.Next(EntryVersion{})
	g.SetGeneration(6)
	after := g.Next(EntryVersion{})
	require.True(t, before.Less(after))
	require.Equal(t, uint64(6), after.Generation)
}

func TestNextConcurrentUnique(t *testing.T) {
	g := NewGenerator(1)
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[EntryVersion]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v := g.Next(EntryVersion{})
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*perWorker)
}
