package grid

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/indexing"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/memory"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/ValentinKolb/dGrid/lib/tasks"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const longLifespan = 60000000 * time.Millisecond

// disks keeps the stores and state directories of members across node incarnations
type disks struct {
	t      *testing.T
	stores *memory.Registry
	dirs   sync.Map
}

func newDisks(t *testing.T) *disks {
	return &disks{t: t, stores: memory.NewRegistry()}
}

func (d *disks) node(net *transport.Network, id topology.MemberID, mutate func(*Config)) *Node {
	d.t.Helper()
	l, err := net.Join(id)
	require.NoError(d.t, err)
	dir, _ := d.dirs.LoadOrStore(id, d.t.TempDir())

	cfg := DefaultConfig()
	cfg.Cluster = "test"
	cfg.StateDir = dir.(string)
	cfg.LockTimeout = 2 * time.Second
	cfg.FormationTimeout = 3 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := NewNode(l, d.stores.Open(string(id)), cfg)
	require.NoError(d.t, err)
	d.t.Cleanup(func() { _ = n.Close() })
	return n
}

// startAll starts the nodes concurrently; nodes that fail to start are closed
func startAll(nodes ...*Node) map[topology.MemberID]error {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[topology.MemberID]error)
	)
	for _, n := range nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			err := n.Start(context.Background())
			mu.Lock()
			out[n.ID()] = err
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	for _, n := range nodes {
		if out[n.ID()] != nil {
			_ = n.Close()
		}
	}
	return out
}

func TestWriteThroughLifecycle(t *testing.T) {
	ctx := context.Background()
	n := newDisks(t).node(transport.NewNetwork(nil), "a", nil)
	require.NoError(t, n.Start(ctx))

	require.NoError(t, n.Put(ctx, "k1", []byte("v1"), container.Immortal()))
	require.NoError(t, n.Put(ctx, "k2", []byte("v2"), container.WithLifespan(longLifespan)))
	require.NoError(t, n.Put(ctx, "k3", []byte("v3"), container.Immortal()))
	require.NoError(t, n.Put(ctx, "k4", []byte("v4"), container.WithLifespan(longLifespan)))

	keys := []string{"k1", "k2", "k3", "k4"}
	lifespans := map[string]time.Duration{"k1": container.NoExpiry, "k2": longLifespan, "k3": container.NoExpiry, "k4": longLifespan}

	assert.Equal(t, 4, n.Container().Size())
	before := make(map[string]container.Entry)
	for _, k := range keys {
		rec, ok, err := n.Store().LoadEntry(k)
		require.NoError(t, err)
		require.True(t, ok, "%s is stored", k)
		assert.Equal(t, lifespans[k], rec.Metadata.Lifespan, "stored lifespan of %s", k)

		e, ok := n.Container().Get(k)
		require.True(t, ok)
		assert.False(t, e.Version.IsZero())
		before[k] = e
	}

	require.NoError(t, n.Stop(ctx))
	assert.Equal(t, 0, n.Container().Size())
	size, err := n.Store().Size()
	require.NoError(t, err)
	assert.Equal(t, 4, size, "stop keeps the store")
	_, err = n.Begin(ctx)
	assert.True(t, errs.Is(err, errs.RetCNotAccepting))

	require.NoError(t, n.Start(ctx))
	assert.Equal(t, 4, n.Container().Size())
	for _, k := range keys {
		e, ok := n.Container().Get(k)
		require.True(t, ok, "%s after restart", k)
		assert.Equal(t, before[k].Value, e.Value)
		assert.Equal(t, before[k].Version, e.Version)
		assert.Equal(t, lifespans[k], e.Metadata.Lifespan)
	}
}

func TestVersionsIncreaseAcrossWrites(t *testing.T) {
	ctx := context.Background()
	n := newDisks(t).node(transport.NewNetwork(nil), "a", nil)
	require.NoError(t, n.Start(ctx))

	var last version.EntryVersion
	for i := 0; i < 5; i++ {
		require.NoError(t, n.Put(ctx, "k", []byte(fmt.Sprint(i)), container.Immortal()))
		e, ok := n.Container().Get("k")
		require.True(t, ok)
		assert.True(t, last.Less(e.Version), "%s after %s", e.Version, last)
		last = e.Version
	}
}

func TestConcurrentTransactionsConflict(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork(nil)
	d := newDisks(t)
	a, b := d.node(net, "a", nil), d.node(net, "b", nil)
	for id, err := range startAll(a, b) {
		require.NoError(t, err, "start of %s", id)
	}
	require.NoError(t, a.Put(ctx, "k", []byte("0"), container.Immortal()))

	t1, err := a.Begin(ctx)
	require.NoError(t, err)
	t2, err := b.Begin(ctx)
	require.NoError(t, err)
	for _, tx := range []*Tx{t1, t2} {
		_, ok, err := tx.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, t1.Put(ctx, "k", []byte("1"), container.Immortal()))
	require.NoError(t, t2.Put(ctx, "k", []byte("2"), container.Immortal()))

	require.NoError(t, t1.Commit(ctx))
	err = t2.Commit(ctx)
	assert.True(t, errs.Is(err, errs.RetCWriteSkewConflict), "got %v", err)

	for _, n := range []*Node{a, b} {
		v, ok, err := n.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1", string(v), "value on %s", n.ID())
	}
}

func TestCommitAsync(t *testing.T) {
	ctx := context.Background()
	n := newDisks(t).node(transport.NewNetwork(nil), "a", nil)
	require.NoError(t, n.Start(ctx))

	tx, err := n.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "k", []byte("v"), container.Immortal()))
	p := tx.CommitAsync(ctx)
	require.NoError(t, p.Wait(ctx))
	v, ok, err := n.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	// rollback is idempotent and leaves no trace
	tx, err = n.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "other", []byte("v"), container.Immortal()))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))
	_, ok, err = n.Get(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
	found, err := n.Store().Contains("other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClusterRestart(t *testing.T) {
	orders := map[string][]topology.MemberID{
		"same":    {"a", "b", "c"},
		"reverse": {"c", "b", "a"},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := newDisks(t)
			net := transport.NewNetwork(nil)
			var before []*Node
			for _, id := range []topology.MemberID{"a", "b", "c"} {
				before = append(before, d.node(net, id, nil))
			}
			for id, err := range startAll(before...) {
				require.NoError(t, err, "start of %s", id)
			}
			for i := 0; i < 6; i++ {
				meta := container.Immortal()
				if i%2 == 1 {
					meta = container.WithLifespan(longLifespan)
				}
				require.NoError(t, before[i%3].Put(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i)), meta))
			}
			require.NoError(t, before[2].Shutdown(ctx))
			for _, n := range before {
				assert.Equal(t, 0, n.Container().Size())
				require.NoError(t, n.Close())
			}

			net = transport.NewNetwork(nil)
			var after []*Node
			for _, id := range order {
				after = append(after, d.node(net, id, nil))
			}
			for id, err := range startAll(after...) {
				require.NoError(t, err, "restart of %s", id)
			}
			for _, n := range after {
				assert.Equal(t, 6, n.Container().Size(), "entries on %s", n.ID())
				assert.Equal(t, order[0], n.Info().Coordinator)
			}
			require.NoError(t, after[1].Put(ctx, "k0", []byte("again"), container.Immortal()))
		})
	}
}

func TestRestartWithExtraneousNode(t *testing.T) {
	for _, pos := range []int{0, 1} {
		t.Run(fmt.Sprintf("position %d", pos), func(t *testing.T) {
			ctx := context.Background()
			d := newDisks(t)
			net := transport.NewNetwork(nil)
			var before []*Node
			for _, id := range []topology.MemberID{"a", "b", "c"} {
				before = append(before, d.node(net, id, nil))
			}
			for id, err := range startAll(before...) {
				require.NoError(t, err, "start of %s", id)
			}
			require.NoError(t, before[0].Put(ctx, "k", []byte("v"), container.Immortal()))
			require.NoError(t, before[0].Shutdown(ctx))
			for _, n := range before {
				require.NoError(t, n.Close())
			}

			order := []topology.MemberID{"a", "b", "c"}
			order = append(order[:pos], append([]topology.MemberID{"x"}, order[pos:]...)...)
			net = transport.NewNetwork(nil)
			var after []*Node
			for _, id := range order {
				after = append(after, d.node(net, id, nil))
			}
			results := startAll(after...)
			assert.True(t, errs.Is(results["x"], errs.RetCClusterViewMismatch), "x: %v", results["x"])
			for _, n := range after {
				if n.ID() == "x" {
					continue
				}
				require.NoError(t, results[n.ID()], "restart of %s", n.ID())
				assert.Equal(t, 1, n.Container().Size())
			}
		})
	}
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()
	n := newDisks(t).node(transport.NewNetwork(nil), "a", func(cfg *Config) {
		cfg.Security = security.Config{
			Enabled: true,
			Roles: map[string]security.Permission{
				"reader": security.PermRead,
				"admin":  security.PermAll,
			},
		}
	})
	require.NoError(t, n.Start(ctx))

	admin := security.WithSubject(ctx, security.NewSubject("admin"))
	reader := security.WithSubject(ctx, security.NewSubject("reader"))

	err := n.Put(ctx, "k", []byte("v"), container.Immortal())
	assert.True(t, errs.Is(err, errs.RetCUnauthorized), "anonymous: %v", err)
	err = n.Put(reader, "k", []byte("v"), container.Immortal())
	assert.True(t, errs.Is(err, errs.RetCUnauthorized), "reader: %v", err)
	assert.Equal(t, 0, n.Container().Size(), "a denied write never reaches the container")

	require.NoError(t, n.Put(admin, "k", []byte("v"), container.Immortal()))
	v, ok, err := n.Get(reader, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	_, err = n.RunTask(reader, "any", nil)
	assert.True(t, errs.Is(err, errs.RetCUnauthorized))
	assert.True(t, errs.Is(n.Stop(reader), errs.RetCUnauthorized))
}

func TestIndexingSeesCommittedWrites(t *testing.T) {
	ctx := context.Background()
	var (
		mu   sync.Mutex
		docs = map[string]indexing.Op{}
	)
	idx := indexing.IndexerFunc(func(_ context.Context, doc indexing.Document) error {
		mu.Lock()
		defer mu.Unlock()
		docs[doc.Key] = doc.Op
		return nil
	})
	n := newDisks(t).node(transport.NewNetwork(nil), "a", func(cfg *Config) { cfg.Indexer = idx })
	require.NoError(t, n.Start(ctx))

	require.NoError(t, n.Put(ctx, "a", []byte("1"), container.Immortal()))
	require.NoError(t, n.Put(ctx, "b", []byte("2"), container.Immortal()))
	require.NoError(t, n.Remove(ctx, "a"))
	require.NoError(t, n.Indexing().Flush(ctx))

	mu.Lock()
	assert.Equal(t, map[string]indexing.Op{"a": indexing.OpRemove, "b": indexing.OpWrite}, docs)
	mu.Unlock()

	p, err := n.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Documents)
}

func TestTasksRunAgainstTheNode(t *testing.T) {
	ctx := context.Background()
	n := newDisks(t).node(transport.NewNetwork(nil), "a", nil)
	require.NoError(t, n.Start(ctx))
	n.Tasks().RegisterEngine(tasks.NewFuncEngine("test", map[string]tasks.Func{
		"COPY": func(ctx context.Context, tc tasks.TaskContext) (any, error) {
			v, ok, err := tc.Cache.Get(ctx, tc.Params["from"])
			if err != nil || !ok {
				return nil, err
			}
			return len(v), tc.Cache.Put(ctx, tc.Params["to"], v, container.Immortal())
		},
	}))

	require.NoError(t, n.Put(ctx, "src", []byte("value"), container.Immortal()))
	exec, err := n.RunTask(ctx, "COPY", map[string]string{"from": "src", "to": "dst"})
	require.NoError(t, err)
	res, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res)

	v, ok, err := n.Get(ctx, "dst")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", string(v))
}

func TestHandleClientMessages(t *testing.T) {
	ctx := context.Background()
	n := newDisks(t).node(transport.NewNetwork(nil), "a", nil)
	require.NoError(t, n.Start(ctx))

	resp := n.Handle(ctx, &transport.Message{MsgType: transport.MsgTKVPut, Key: "k", Value: []byte("v"), LifespanMs: 60000000})
	require.NoError(t, resp.AsError())
	e, ok := n.Container().Get("k")
	require.True(t, ok)
	assert.Equal(t, longLifespan, e.Metadata.Lifespan)

	resp = n.Handle(ctx, &transport.Message{MsgType: transport.MsgTKVGet, Key: "k"})
	require.NoError(t, resp.AsError())
	assert.True(t, resp.Ok)
	assert.Equal(t, "v", string(resp.Value))

	resp = n.Handle(ctx, &transport.Message{MsgType: transport.MsgTKVRemove, Key: "k"})
	require.NoError(t, resp.AsError())
	resp = n.Handle(ctx, &transport.Message{MsgType: transport.MsgTKVGet, Key: "k"})
	require.NoError(t, resp.AsError())
	assert.False(t, resp.Ok)

	resp = n.Handle(ctx, &transport.Message{MsgType: transport.MsgTClusterView})
	require.NoError(t, resp.AsError())
	assert.Contains(t, string(resp.Meta), `"phase":"RUNNING"`)
}

func TestMetricsExposeEntries(t *testing.T) {
	ctx := context.Background()
	n := newDisks(t).node(transport.NewNetwork(nil), "a", nil)
	require.NoError(t, n.Start(ctx))
	require.NoError(t, n.Put(ctx, "k", []byte("v"), container.Immortal()))

	var buf bytes.Buffer
	n.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), "dgrid_container_entries 1")
	assert.Contains(t, buf.String(), "dgrid_tx_commits_total 1")
}

func TestImplicitReadsAreNotRollbacks(t *testing.T) {
	ctx := context.Background()
	n := newDisks(t).node(transport.NewNetwork(nil), "a", nil)
	require.NoError(t, n.Start(ctx))
	require.NoError(t, n.Put(ctx, "k", []byte("v"), container.Immortal()))

	for _, key := range []string{"k", "missing"} {
		_, _, err := n.Get(ctx, key)
		require.NoError(t, err)
	}
	tx, err := n.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	var buf bytes.Buffer
	n.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), "dgrid_tx_read_only_total 2")
	assert.Contains(t, buf.String(), "dgrid_tx_rollbacks_total 1")
	assert.Equal(t, 0, n.tx.ActiveCount())
}
