package raft

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/persistence"
	backendtesting "github.com/ValentinKolb/dGrid/lib/persistence/testing"
	"github.com/stretchr/testify/require"
)

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func singleNodeConfig(t *testing.T, dir string) Config {
	return Config{
		ShardID:         1,
		ReplicaID:       1,
		Members:         map[uint64]string{1: freeAddress(t)},
		DataDir:         dir,
		RTTMillisecond:  10,
		SnapshotEntries: 20,
		Timeout:         3 * time.Second,
	}
}

func TestRaftBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node host")
	}
	backendtesting.RunBackendTests(t, "raft", func(t *testing.T) persistence.Backend {
		s, err := Open(singleNodeConfig(t, t.TempDir()))
		require.NoError(t, err)
		return s
	})
}

func TestRaftDurability(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node host")
	}
	cfg := singleNodeConfig(t, t.TempDir())
	backendtesting.RunDurabilityTests(t, "raft", func() persistence.Backend {
		s, err := Open(cfg)
		require.NoError(t, err)
		return s
	})
}

func TestRaftSnapshotRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node host")
	}
	cfg := singleNodeConfig(t, t.TempDir())
	s, err := Open(cfg)
	require.NoError(t, err)
	// exceed SnapshotEntries so the restart recovers from a snapshot plus log tail
	for i := 0; i < 3*int(cfg.SnapshotEntries); i++ {
		require.NoError(t, s.Store(fmt.Sprintf("k%02d", i), []byte{byte(i)}))
	}
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	data, ok, err := s.Load("k59")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{59}, data)
}
