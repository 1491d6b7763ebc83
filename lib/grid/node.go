package grid

import (
	"context"
	"io"
	"sync"

	"github.com/ValentinKolb/dGrid/lib/cluster"
	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/indexing"
	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/ValentinKolb/dGrid/lib/tasks"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/txn"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("grid")

// Node is the per-member context object. It owns every component of one
// grid member, routes the member's incoming messages and exposes the cache API.
type Node struct {
	cfg   Config
	t     transport.Transport
	data  *container.Container
	store *persistence.Adapter // nil without a backend
	fence *lockmgr.Fence
	tx    *txn.Coordinator
	mem   *cluster.Membership
	auth  *security.Authorizer
	index *indexing.Notifier // nil without an indexer
	tasks *tasks.Manager
	set   *metrics.Set

	mu      sync.Mutex
	stopped bool // stopped locally by Stop
	closed  bool
}

// NewNode builds the node of the member behind t. backend may be nil for a
// cache without a store. The node does not accept transactions before Start.
func NewNode(t transport.Transport, backend persistence.Backend, cfg Config) (*Node, error) {
	set := cfg.Metrics
	if set == nil {
		set = metrics.NewSet()
	}
	n := &Node{
		cfg:  cfg,
		t:    t,
		data: container.New(version.NewGenerator(1), nil),
		auth: security.NewAuthorizer(cfg.Security),
		set:  set,
	}

	if backend != nil {
		n.store = persistence.NewAdapter(backend, persistence.Options{
			Mode:          cfg.Store.Mode,
			FlushInterval: cfg.Store.FlushInterval,
			MaxPending:    cfg.Store.MaxPending,
			OnFailure: func(err error) {
				log.Errorf("%s write-behind flush failed: %v", t.Self(), err)
			},
		})
		if cfg.PurgeOnStartup {
			if err := n.store.Clear(); err != nil {
				n.data.Close()
				return nil, errors.Wrap(err, "purge on startup")
			}
		}
	}

	n.fence = lockmgr.NewFence(t, lockmgr.FenceOptions{Timeout: cfg.LockTimeout})
	n.tx = txn.NewCoordinator(t, n.data, n.store, n.fence, txn.NewMetrics(set), cfg.txOptions())
	n.tx.Suspend()
	n.mem = cluster.New(t, n.tx, n.data, n.store, cluster.Options{
		Cluster:          cfg.Cluster,
		StateDir:         cfg.StateDir,
		Preload:          cfg.Preload,
		FormationTimeout: cfg.FormationTimeout,
		DrainTimeout:     cfg.DrainTimeout,
	})

	if cfg.Indexer != nil {
		n.index = indexing.NewNotifier(cfg.Indexer, cfg.Indexing)
		n.tx.SetListener(n.index.Notify)
	}
	n.tasks = tasks.NewManager(n, set)

	set.NewGauge("dgrid_container_entries", func() float64 { return float64(n.data.Size()) })
	if n.store != nil {
		set.NewGauge("dgrid_store_failures", func() float64 { return float64(n.store.Failures()) })
	}

	t.SetHandler(n.Handle)
	log.Infof("%s created (store=%s, isolation=%s, write skew check=%v)", t.Self(), backendName(backend), cfg.Isolation, cfg.WriteSkewCheck)
	return n, nil
}

func backendName(b persistence.Backend) string {
	if b == nil {
		return BackendNone
	}
	return b.Name()
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the member id of the node
func (n *Node) ID() topology.MemberID {
	return n.t.Self()
}

// View returns the current view
func (n *Node) View() topology.View {
	return n.t.View()
}

// Info describes the node's view and lifecycle phase
func (n *Node) Info() cluster.ViewInfo {
	return n.mem.Info()
}

// Container returns the node's data container
func (n *Node) Container() *container.Container {
	return n.data
}

// Store returns the persistence adapter, nil without a backend
func (n *Node) Store() *persistence.Adapter {
	return n.store
}

// Membership returns the cluster membership coordinator
func (n *Node) Membership() *cluster.Membership {
	return n.mem
}

// Tasks returns the task manager
func (n *Node) Tasks() *tasks.Manager {
	return n.tasks
}

// Indexing returns the indexing notifier, nil without an indexer
func (n *Node) Indexing() *indexing.Notifier {
	return n.index
}

// Authorizer returns the node's authorizer
func (n *Node) Authorizer() *security.Authorizer {
	return n.auth
}

// Metrics returns the node's metric set
func (n *Node) Metrics() *metrics.Set {
	return n.set
}

// WritePrometheus writes the node's metrics in the Prometheus text format
func (n *Node) WritePrometheus(w io.Writer) {
	n.set.WritePrometheus(w)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start joins the grid, or restarts the cache after a local Stop.
// Joining follows the restart protocol of the membership coordinator and
// fails with errs.RetCClusterViewMismatch for a member the grid rejects.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errs.Newf(errs.RetCInvalidOperation, "%s is closed", n.t.Self())
	}
	if !n.stopped {
		return n.mem.Start(ctx)
	}

	if n.store != nil && n.cfg.Preload {
		if _, err := n.store.Preload(n.data); err != nil {
			return err
		}
	}
	n.stopped = false
	n.tx.Resume()
	log.Infof("%s restarted with %d entries", n.t.Self(), n.data.Size())
	return nil
}

// Stop stops the cache of this node only: it drains the node's transactions,
// flushes the store and clears the container. The store keeps its contents
// for the next Start.
func (n *Node) Stop(ctx context.Context) error {
	if err := n.auth.Check(ctx, security.PermAdmin); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.closed {
		return nil
	}
	if err := n.tx.Drain(ctx); err != nil {
		n.tx.Resume()
		return err
	}
	if n.store != nil {
		if err := n.store.Flush(); err != nil {
			n.tx.Resume()
			return err
		}
	}
	if n.index != nil {
		if err := n.index.Flush(ctx); err != nil {
			log.Warningf("%s stopped with unindexed documents: %v", n.t.Self(), err)
		}
	}
	n.data.Clear()
	n.stopped = true
	log.Infof("%s stopped", n.t.Self())
	return nil
}

// Shutdown runs the coordinated shutdown of the whole grid and waits until
// this node persisted its global state
func (n *Node) Shutdown(ctx context.Context) error {
	if err := n.auth.Check(ctx, security.PermAdmin); err != nil {
		return err
	}
	if err := n.mem.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-n.mem.Stopped():
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Close leaves the group and releases every resource of the node
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.tx.Suspend()

	var err error
	if n.index != nil {
		n.index.Close()
	}
	if lerr := n.t.Leave(); lerr != nil && !errors.Is(lerr, transport.ErrClosed) {
		err = errors.CombineErrors(err, lerr)
	}
	if n.store != nil {
		err = errors.CombineErrors(err, n.store.Close())
	}
	n.data.Close()
	log.Infof("%s closed", n.t.Self())
	return err
}

// --------------------------------------------------------------------------
// Message handling
// --------------------------------------------------------------------------

// Handle routes a message of the group or of a client to the component serving it
func (n *Node) Handle(ctx context.Context, req *transport.Message) *transport.Message {
	switch req.MsgType {
	case transport.MsgTPing:
		return transport.NewResponse(transport.MsgTPing)
	case transport.MsgTLCKAcquire, transport.MsgTLCKRelease:
		return n.fence.Handle(ctx, req)
	case transport.MsgTTxPrepare, transport.MsgTTxCommit, transport.MsgTTxRollback:
		return n.tx.Handle(ctx, req)
	case transport.MsgTKVGet, transport.MsgTKVPut, transport.MsgTKVRemove:
		return n.handleKV(ctx, req)
	default:
		return n.mem.Handle(ctx, req)
	}
}

func (n *Node) handleKV(ctx context.Context, req *transport.Message) *transport.Message {
	resp := transport.NewResponse(req.MsgType)
	var err error
	switch req.MsgType {
	case transport.MsgTKVGet:
		resp.Value, resp.Ok, err = n.Get(ctx, req.Key)
	case transport.MsgTKVPut:
		err = n.Put(ctx, req.Key, req.Value, container.WithLifespan(container.FromMillis(req.LifespanMs)))
	case transport.MsgTKVRemove:
		err = n.Remove(ctx, req.Key)
	}
	if err != nil {
		return transport.NewErrorResponse(req.MsgType, err)
	}
	return resp
}

// --------------------------------------------------------------------------
// Tasks and indexing
// --------------------------------------------------------------------------

// RunTask starts a task of the task manager as the subject of ctx
func (n *Node) RunTask(ctx context.Context, name string, params map[string]string) (*tasks.Execution, error) {
	if err := n.auth.Check(ctx, security.PermExec); err != nil {
		return nil, err
	}
	return n.tasks.RunTask(ctx, name, params)
}

// Reindex feeds every live entry to the indexer
func (n *Node) Reindex(ctx context.Context) (indexing.Progress, error) {
	if err := n.auth.Check(ctx, security.PermAdmin); err != nil {
		return indexing.Progress{}, err
	}
	if n.index == nil {
		return indexing.Progress{}, errs.New(errs.RetCInvalidOperation, "indexing is not enabled")
	}
	return n.index.Reindex(ctx, n.data)
}
