package txn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitReplicatesVersionsAndPersists(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b", "c")
	ctx := context.Background()

	var prev version.EntryVersion
	for i := 0; i < 5; i++ {
		require.NoError(t, commitPut(t, ms[i%3], "k", fmt.Sprintf("v%d", i)))
		e, ok := ms[0].data.Get("k")
		require.True(t, ok)
		assert.True(t, prev.Less(e.Version), "versions grow with every write")
		prev = e.Version
	}

	for _, m := range ms {
		e, ok := m.data.Get("k")
		require.True(t, ok, m.id)
		assert.Equal(t, "v4", string(e.Value))
		assert.Equal(t, prev, e.Version, "every replica stores the same version")

		rec, ok, err := m.store.LoadEntry("k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, prev, rec.Version)
		assert.Equal(t, 0, m.coord.Participant().Pending())
	}

	tx, _ := ms[1].coord.Begin(ctx)
	require.NoError(t, ms[1].coord.Remove(ctx, tx, "k"))
	require.NoError(t, ms[1].coord.Commit(ctx, tx))
	for _, m := range ms {
		_, ok := m.data.Get("k")
		assert.False(t, ok)
		ok, _ = m.store.Contains("k")
		assert.False(t, ok)
	}
	assert.Equal(t, StateCommitted, tx.State())
}

func TestConcurrentWriteSkewOnlyOneCommits(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b", "c")
	ctx := context.Background()
	require.NoError(t, commitPut(t, ms[0], "balance", "100"))

	for round := 0; round < 10; round++ {
		txs := make([]*Transaction, len(ms))
		for i, m := range ms {
			tx, err := m.coord.Begin(ctx)
			require.NoError(t, err)
			_, ok, err := m.coord.Get(ctx, tx, "balance")
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, m.coord.Put(ctx, tx, "balance", []byte(fmt.Sprintf("%s-%d", m.id, round)), container.Immortal()))
			txs[i] = tx
		}

		results := make([]error, len(ms))
		var wg sync.WaitGroup
		for i, m := range ms {
			wg.Add(1)
			go func(i int, m *member) {
				defer wg.Done()
				results[i] = m.coord.Commit(ctx, txs[i])
			}(i, m)
		}
		wg.Wait()

		committed := 0
		for i, err := range results {
			if err == nil {
				committed++
				assert.Equal(t, StateCommitted, txs[i].State())
				continue
			}
			assert.True(t, errs.Is(err, errs.RetCWriteSkewConflict), "round %d: %v", round, err)
			assert.Equal(t, StateRolledBack, txs[i].State())
		}
		assert.Equal(t, 1, committed, "round %d", round)

		want, _ := value(ms[0], "balance")
		for _, m := range ms[1:] {
			got, _ := value(m, "balance")
			assert.Equal(t, want, got, "replicas agree after round %d", round)
		}
	}
}

func TestBlindWriteConflict(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	ctx := context.Background()

	tx, _ := ms[0].coord.Begin(ctx)
	require.NoError(t, ms[0].coord.Put(ctx, tx, "k", []byte("blind"), container.Immortal()))
	require.NoError(t, commitPut(t, ms[1], "k", "other"))

	err := ms[0].coord.Commit(ctx, tx)
	assert.True(t, errs.Is(err, errs.RetCWriteSkewConflict))
	v, _ := value(ms[1], "k")
	assert.Equal(t, "other", v)
}

func TestReplicaRevalidationAbortsEverywhere(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b", "c")
	require.NoError(t, commitPut(t, ms[0], "k", "v1"))

	// c diverged: it holds a newer version a does not know about
	e, _ := ms[2].data.Get("k")
	e.Value = []byte("diverged")
	e.Version = version.EntryVersion{Generation: e.Version.Generation, Seq: e.Version.Seq + 100}
	require.True(t, ms[2].data.PutVersioned(e))

	err := commitPut(t, ms[0], "k", "v2")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.RetCWriteSkewConflict))
	var se *errs.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "k", se.Key)

	for _, m := range ms[:2] {
		v, _ := value(m, "k")
		assert.Equal(t, "v1", v, "nothing is applied on %s", m.id)
		rec, _, _ := m.store.LoadEntry("k")
		assert.Equal(t, "v1", string(rec.Value))
		assert.Equal(t, 0, m.coord.Participant().Pending())
	}
}

func TestPrepareTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.PrepareTimeout = 50 * time.Millisecond
	n, ms := newCluster(t, opts, "a", "b", "c")
	n.Silence("c", true)

	start := time.Now()
	err := commitPut(t, ms[0], "k", "v")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.RetCReplicaTimeout))
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "c", e.Member)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, ok := ms[0].data.Get("k")
	assert.False(t, ok)
	ok, _ = ms[0].store.Contains("k")
	assert.False(t, ok)
	assert.Equal(t, 0, ms[1].coord.Participant().Pending(), "b got the rollback")

	n.Silence("c", false)
	require.NoError(t, commitPut(t, ms[0], "k", "v"))
}

func TestRollbackIsIdempotentAndHarmless(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	a, ctx := ms[0], context.Background()
	require.NoError(t, commitPut(t, a, "k", "v1"))
	before, _ := a.data.Get("k")

	tx, _ := a.coord.Begin(ctx)
	require.NoError(t, a.coord.Put(ctx, tx, "k", []byte("v2"), container.Immortal()))
	require.NoError(t, a.coord.Put(ctx, tx, "other", []byte("x"), container.Immortal()))
	for i := 0; i < 3; i++ {
		require.NoError(t, a.coord.Rollback(ctx, tx))
	}
	assert.Equal(t, StateRolledBack, tx.State())

	after, _ := a.data.Get("k")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 1, a.data.Size())
	n, _ := a.store.Size()
	assert.Equal(t, 1, n)

	assert.True(t, errs.Is(a.coord.Commit(ctx, tx), errs.RetCInvalidOperation))
	assert.True(t, errs.Is(a.coord.Put(ctx, tx, "k", nil, container.Immortal()), errs.RetCInvalidOperation))
	assert.Equal(t, 0, a.coord.ActiveCount())
}

func TestRollbackAfterCommitFails(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a")
	a, ctx := ms[0], context.Background()
	tx, _ := a.coord.Begin(ctx)
	require.NoError(t, a.coord.Put(ctx, tx, "k", []byte("v"), container.Immortal()))
	require.NoError(t, a.coord.Commit(ctx, tx))
	assert.True(t, errs.Is(a.coord.Rollback(ctx, tx), errs.RetCInvalidOperation))
}

func TestStrictPersistenceFailureRollsBack(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	tx := buffered(t, ms[0], "k", "v")
	ms[0].backend.FailNext(1, nil)

	err := ms[0].coord.Commit(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.RetCPersistenceFailure))
	assert.Equal(t, StateRolledBack, tx.State())
	for _, m := range ms {
		_, ok := m.data.Get("k")
		assert.False(t, ok, m.id)
		assert.Equal(t, 0, m.coord.Participant().Pending())
	}
}

func TestBestEffortPersistenceFailureCommits(t *testing.T) {
	opts := DefaultOptions()
	opts.Strict = false
	_, ms := newCluster(t, opts, "a", "b")
	tx := buffered(t, ms[0], "k", "v")
	ms[0].backend.FailNext(1, nil)

	err := ms[0].coord.Commit(context.Background(), tx)
	require.Error(t, err, "the failure is reported, never dropped")
	assert.Equal(t, StateCommitted, tx.State())
	assert.True(t, errs.Is(err, errs.RetCPersistenceFailure))
	for _, m := range ms {
		v, ok := value(m, "k")
		assert.True(t, ok)
		assert.Equal(t, "v", v)
	}
	ok, _ := ms[0].store.Contains("k")
	assert.False(t, ok)
	ok, _ = ms[1].store.Contains("k")
	assert.True(t, ok)
}

func TestReplicaPersistenceFailureIsReported(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	ms[1].backend.FailNext(1, nil)

	err := commitPut(t, ms[0], "k", "v")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.RetCPersistenceFailure))
	v, _ := value(ms[1], "k")
	assert.Equal(t, "v", v, "past the commit point the replica applies anyway")
}

func TestCommitAsyncCancelBeforeCommitPoint(t *testing.T) {
	n, ms := newCluster(t, DefaultOptions(), "a", "b")
	ctx := context.Background()
	n.SetDelay("b", 200*time.Millisecond)

	tx, _ := ms[0].coord.Begin(ctx)
	require.NoError(t, ms[0].coord.Put(ctx, tx, "k", []byte("v"), container.Immortal()))
	p := ms[0].coord.CommitAsync(ctx, tx)
	time.Sleep(20 * time.Millisecond)
	p.Cancel()

	err := p.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, err, tx.Err())

	n.SetDelay("b", 0)
	for _, m := range ms {
		_, ok := m.data.Get("k")
		assert.False(t, ok)
	}
	require.Eventually(t, func() bool { return ms[1].coord.Participant().Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCommitAsyncCompletes(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	ctx := context.Background()
	tx, _ := ms[1].coord.Begin(ctx)
	require.NoError(t, ms[1].coord.Put(ctx, tx, "k", []byte("v"), container.WithLifespan(time.Hour)))

	p := ms[1].coord.CommitAsync(ctx, tx)
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("commit did not finish")
	}
	require.NoError(t, p.Wait(ctx))
	p.Cancel()
	assert.Equal(t, StateCommitted, p.Transaction().State())

	e, ok := ms[0].data.Get("k")
	require.True(t, ok)
	assert.Equal(t, time.Hour, e.Metadata.Lifespan)
}

func TestRollbackWhilePreparingAborts(t *testing.T) {
	n, ms := newCluster(t, DefaultOptions(), "a", "b")
	ctx := context.Background()
	n.SetDelay("b", 200*time.Millisecond)

	tx, _ := ms[0].coord.Begin(ctx)
	require.NoError(t, ms[0].coord.Put(ctx, tx, "k", []byte("v"), container.Immortal()))
	p := ms[0].coord.CommitAsync(ctx, tx)
	require.Eventually(t, func() bool { return tx.State() == StatePreparing }, time.Second, time.Millisecond)

	require.NoError(t, ms[0].coord.Rollback(ctx, tx))
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Error(t, p.Wait(ctx))
	_, ok := ms[0].data.Get("k")
	assert.False(t, ok)
}

func TestDrain(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	a, ctx := ms[0], context.Background()

	open, _ := a.coord.Begin(ctx)
	require.NoError(t, a.coord.Put(ctx, open, "k", []byte("v"), container.Immortal()))

	dctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	require.NoError(t, a.coord.Drain(dctx))
	assert.False(t, a.coord.Accepting())
	assert.Equal(t, StateRolledBack, open.State(), "open transactions are rolled back when the drain times out")

	_, err := a.coord.Begin(ctx)
	assert.True(t, errs.Is(err, errs.RetCNotAccepting))

	a.coord.Resume()
	require.NoError(t, commitPut(t, a, "k", "v"))
}

func TestListenerSeesCommittedWrites(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	var (
		mu   sync.Mutex
		seen = map[string][]string{}
	)
	for _, m := range ms {
		id := string(m.id)
		m.coord.SetListener(func(writes []transport.WriteOp) {
			mu.Lock()
			defer mu.Unlock()
			for _, w := range writes {
				seen[id] = append(seen[id], w.Key)
			}
		})
	}
	require.NoError(t, commitPut(t, ms[0], "k", "v1"))
	require.NoError(t, commitPut(t, ms[1], "k", "v2"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"k", "k"}, seen["a"])
	assert.Equal(t, []string{"k", "k"}, seen["b"])
}

func TestLoadOnMiss(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a")
	a, ctx := ms[0], context.Background()
	require.NoError(t, commitPut(t, a, "k", "v"))
	v, _ := a.data.Version("k")
	a.data.Clear()

	tx, _ := a.coord.Begin(ctx)
	e, ok, err := a.coord.Get(ctx, tx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v, e.Version, "the stored version is kept")
	require.NoError(t, a.coord.Put(ctx, tx, "k", []byte("v2"), container.Immortal()))
	require.NoError(t, a.coord.Commit(ctx, tx))
}

func TestCommitOfStoredKeyWithoutPreload(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	stored := version.EntryVersion{Generation: 1, Seq: 7}
	for _, m := range ms {
		require.NoError(t, m.store.Write(persistence.RecordFromEntry(container.Entry{
			Key: "k", Value: []byte("v"), Metadata: container.Immortal(), Version: stored, Created: time.Now(),
		})))
		require.Equal(t, 0, m.data.Size(), "nothing is preloaded")
	}

	require.NoError(t, commitPut(t, ms[0], "k", "v2"))
	require.NoError(t, commitPut(t, ms[1], "k", "v3"))
	for _, m := range ms {
		e, ok := m.data.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v3", string(e.Value), m.id)
		assert.True(t, stored.Less(e.Version), m.id)
	}
}

func TestSubMillisecondLifespanExpires(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	ctx := context.Background()
	tx, _ := ms[0].coord.Begin(ctx)
	require.NoError(t, ms[0].coord.Put(ctx, tx, "k", []byte("v"), container.WithLifespan(500*time.Microsecond)))
	require.NoError(t, ms[0].coord.Commit(ctx, tx))

	for _, m := range ms {
		require.Eventually(t, func() bool {
			_, ok := value(m, "k")
			return !ok
		}, time.Second, 2*time.Millisecond, "k expires on %s", m.id)
		rec, found, err := m.store.LoadEntry("k")
		require.NoError(t, err)
		if found {
			assert.Equal(t, time.Millisecond, rec.Metadata.Lifespan, m.id)
		}
	}
}

func TestRecreatedKeyConflicts(t *testing.T) {
	_, ms := newCluster(t, DefaultOptions(), "a", "b")
	ctx := context.Background()
	a, b := ms[0], ms[1]

	tests := []struct {
		key  string
		read bool
	}{
		{"read-absent", true},
		{"blind", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			tx, err := a.coord.Begin(ctx)
			require.NoError(t, err)
			if tt.read {
				_, ok, err := a.coord.Get(ctx, tx, tt.key)
				require.NoError(t, err)
				require.False(t, ok)
			}
			require.NoError(t, a.coord.Put(ctx, tx, tt.key, []byte("mine"), container.Immortal()))

			// meanwhile the key is created and removed again
			require.NoError(t, commitPut(t, b, tt.key, "theirs"))
			other, err := b.coord.Begin(ctx)
			require.NoError(t, err)
			require.NoError(t, b.coord.Remove(ctx, other, tt.key))
			require.NoError(t, b.coord.Commit(ctx, other))

			err = a.coord.Commit(ctx, tx)
			assert.True(t, errs.Is(err, errs.RetCWriteSkewConflict), "got %v", err)
			for _, m := range ms {
				_, ok := value(m, tt.key)
				assert.False(t, ok, m.id)
			}
		})
	}

	// a key that stays absent can still be created
	tx, err := a.coord.Begin(ctx)
	require.NoError(t, err)
	_, ok, err := a.coord.Get(ctx, tx, "fresh")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, a.coord.Put(ctx, tx, "fresh", []byte("v"), container.Immortal()))
	require.NoError(t, a.coord.Commit(ctx, tx))
}
