package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dGrid/lib/persistence"
	backendtesting "github.com/ValentinKolb/dGrid/lib/persistence/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	backendtesting.RunBackendTests(t, "file", func(t *testing.T) persistence.Backend {
		s, err := Open(filepath.Join(t.TempDir(), "store.log"), Options{})
		require.NoError(t, err)
		return s
	})
}

func TestFileDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.log")
	backendtesting.RunDurabilityTests(t, "file", func() persistence.Backend {
		s, err := Open(path, Options{Sync: true})
		require.NoError(t, err)
		return s
	})
}

func TestTornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.log")
	s, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Store("a", []byte("1")))
	require.NoError(t, s.Store("b", []byte("2")))
	require.NoError(t, s.f.Close())

	// simulate a crash in the middle of the last frame
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, okA, _ := s.Load("a")
	_, okB, _ := s.Load("b")
	assert.True(t, okA, "complete frames must survive")
	assert.False(t, okB, "the torn frame must be dropped")

	require.NoError(t, s.Store("c", []byte("3")))
	data, ok, _ := s.Load("c")
	assert.True(t, ok)
	assert.Equal(t, "3", string(data))
}

func TestRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.log")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a log"), 0o644))
	_, err := Open(path, Options{})
	assert.Error(t, err)
}

func TestCompactionOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.log")
	s, err := Open(path, Options{})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Store("hot", []byte{byte(i)}))
	}
	before, _ := os.Stat(path)
	require.NoError(t, s.Close())
	after, _ := os.Stat(path)
	assert.Less(t, after.Size(), before.Size())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	data, ok, _ := s.Load("hot")
	assert.True(t, ok)
	assert.Equal(t, []byte{99}, data)
	assert.Equal(t, 1, s.frames)
}
