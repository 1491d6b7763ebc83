package txn

import (
	"testing"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/memory"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore = memory.Store

// watchedBackend calls onBatch before every batch reaches the store
type watchedBackend struct {
	*memStore
	onBatch func(ops []persistence.BatchOp)
}

func (w *watchedBackend) StoreBatch(ops []persistence.BatchOp) error {
	if w.onBatch != nil {
		w.onBatch(ops)
	}
	return w.memStore.StoreBatch(ops)
}

func newReplica(t *testing.T) (*Participant, *container.Container, *persistence.Adapter, *watchedBackend) {
	t.Helper()
	backend := &watchedBackend{memStore: memory.New("replica")}
	data := container.New(version.NewGenerator(2), &container.Options{NumShards: 4, SweepInterval: -1})
	store := persistence.NewAdapter(backend, persistence.Options{})
	t.Cleanup(func() {
		data.Close()
		_ = store.Close()
	})
	c := NewCoordinator(nil, data, store, nil, nil, DefaultOptions())
	return c.Participant(), data, store, backend
}

func TestParticipantPersistsBeforeApplying(t *testing.T) {
	p, data, store, backend := newReplica(t)
	v1 := version.EntryVersion{Generation: 1, Seq: 1}
	v2 := version.EntryVersion{Generation: 1, Seq: 2}
	old := container.Entry{Key: "k", Value: []byte("old"), Metadata: container.Immortal(), Version: v1}
	require.True(t, data.PutVersioned(old))
	require.NoError(t, store.Write(persistence.RecordFromEntry(old)))

	var inMemory bool
	backend.onBatch = func([]persistence.BatchOp) {
		_, inMemory = data.Peek("k")
	}

	require.NoError(t, p.Prepare("a", "tx1", []transport.WriteOp{{Key: "k", Remove: true, Expected: v1, Version: v2}}))
	require.NoError(t, p.Commit("tx1"))
	assert.True(t, inMemory, "the store is written while the container still holds the old entry")

	_, ok := data.Get("k")
	assert.False(t, ok)
	found, err := store.Contains("k")
	require.NoError(t, err)
	assert.False(t, found)

	// a stale copy cannot come back after the removal
	assert.False(t, data.PutVersioned(old))
	e, ok, err := load(data, store, "k")
	require.NoError(t, err)
	assert.False(t, ok, "got %v", e)
}

func TestParticipantLoadsUnpreloadedKeys(t *testing.T) {
	p, data, store, _ := newReplica(t)
	v := version.EntryVersion{Generation: 1, Seq: 7}
	require.NoError(t, store.Write(persistence.RecordFromEntry(container.Entry{
		Key: "k", Value: []byte("v"), Metadata: container.Immortal(), Version: v,
	})))

	tests := []struct {
		name  string
		write transport.WriteOp
		ok    bool
	}{
		{"stored version matches", transport.WriteOp{Key: "k", Expected: v}, true},
		{"stale version", transport.WriteOp{Key: "k", Expected: version.EntryVersion{Generation: 1, Seq: 3}}, false},
		{"stored key read as absent", transport.WriteOp{Key: "k", Absent: true}, false},
		{"missing key", transport.WriteOp{Key: "other", Absent: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Prepare("a", tt.name, []transport.WriteOp{tt.write})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			p.Rollback(tt.name)
		})
	}
	e, ok := data.Peek("k")
	require.True(t, ok, "the stored entry was loaded into the container")
	assert.Equal(t, v, e.Version)
}
