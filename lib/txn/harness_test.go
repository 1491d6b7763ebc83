package txn

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/memory"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/stretchr/testify/require"
)

// member is one node of an in-process test cluster
type member struct {
	id      topology.MemberID
	t       *transport.Local
	data    *container.Container
	backend *memory.Store
	store   *persistence.Adapter
	fence   *lockmgr.Fence
	coord   *Coordinator
}

func (m *member) handle(ctx context.Context, req *transport.Message) *transport.Message {
	switch req.MsgType {
	case transport.MsgTLCKAcquire, transport.MsgTLCKRelease:
		return m.fence.Handle(ctx, req)
	default:
		return m.coord.Handle(ctx, req)
	}
}

func newCluster(t *testing.T, opts Options, ids ...topology.MemberID) (*transport.Network, []*member) {
	t.Helper()
	n := transport.NewNetwork(nil)
	out := make([]*member, len(ids))
	for i, id := range ids {
		l, err := n.Join(id)
		require.NoError(t, err)
		m := &member{id: id, t: l, backend: memory.New(string(id))}
		m.data = container.New(version.NewGenerator(1), &container.Options{NumShards: 4, SweepInterval: -1})
		m.store = persistence.NewAdapter(m.backend, persistence.Options{})
		m.fence = lockmgr.NewFence(l, lockmgr.FenceOptions{Timeout: 2 * time.Second})
		m.coord = NewCoordinator(l, m.data, m.store, m.fence, nil, opts)
		l.SetHandler(m.handle)
		out[i] = m
		t.Cleanup(func() {
			m.data.Close()
			_ = m.store.Close()
		})
	}
	return n, out
}

// buffered begins a transaction on m holding one write
func buffered(t *testing.T, m *member, key, value string) *Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := m.coord.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, m.coord.Put(ctx, tx, key, []byte(value), container.Immortal()))
	return tx
}

// commitPut runs a one-write transaction on m
func commitPut(t *testing.T, m *member, key, value string) error {
	t.Helper()
	return m.coord.Commit(context.Background(), buffered(t, m, key, value))
}

func value(m *member, key string) (string, bool) {
	e, ok := m.data.Get(key)
	return string(e.Value), ok
}
