package cluster

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStore(t *testing.T) {
	for _, dir := range []string{"", t.TempDir()} {
		name := "memory"
		if dir != "" {
			name = "file"
		}
		t.Run(name, func(t *testing.T) {
			s := NewStateStore(dir)
			_, ok, err := s.Load("grid")
			require.NoError(t, err)
			assert.False(t, ok)

			st := GlobalState{
				Cluster:    "grid",
				Member:     "a",
				View:       topology.NewView(3, "a", "b"),
				Generation: 2,
				Entries:    4,
				Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
			}
			require.NoError(t, s.Save(st))

			got, ok, err := s.Load("grid")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, st.View, got.View)
			assert.Equal(t, st.Entries, got.Entries)
			assert.True(t, st.Timestamp.Equal(got.Timestamp))

			_, _, err = s.Load("other")
			assert.True(t, errs.Is(err, errs.RetCClusterViewMismatch))

			require.NoError(t, s.Delete())
			require.NoError(t, s.Delete())
			_, ok, err = s.Load("grid")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStateStoreRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("{not json"), 0o644))
	_, _, err := NewStateStore(dir).Load("grid")
	assert.True(t, errs.Is(err, errs.RetCPersistenceFailure))
}
