package txn

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("txn")

// Options configures the transaction engine of a node
type Options struct {
	Isolation      Isolation
	WriteSkewCheck bool          // validate read versions at commit (RepeatableRead only)
	PrepareTimeout time.Duration // bound on waiting for prepare and commit acknowledgements
	PreparedTTL    time.Duration // how long a replica keeps a prepared write set without commit
	Strict         bool          // abort commits whose write-through fails instead of committing in memory only
	Clock          func() time.Time
}

// DefaultOptions returns REPEATABLE_READ with write skew checks and strict persistence
func DefaultOptions() Options {
	return Options{
		Isolation:      RepeatableRead,
		WriteSkewCheck: true,
		PrepareTimeout: 10 * time.Second,
		PreparedTTL:    time.Minute,
		Strict:         true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PrepareTimeout <= 0 {
		o.PrepareTimeout = d.PrepareTimeout
	}
	if o.PreparedTTL <= 0 {
		o.PreparedTTL = d.PreparedTTL
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Listener observes write sets after they were applied to the local container.
// It is called on the commit path and must not block.
type Listener func(writes []transport.WriteOp)

// Coordinator is the TransactionCoordinator of one node. It owns the node's
// transactions, drives the two phase commit for the ones begun here and serves
// the replica side for transactions of other members.
//
// Commit sequence:
//
//  1. fence the write keys cluster-wide (lockmgr.Fence)
//  2. validate the write set against the local container
//  3. assign versions
//  4. prepare on every other member; each re-validates and stages
//  5. seal: from here on a rollback request can no longer abort
//  6. write through the store (a strict failure still aborts everywhere)
//  7. apply locally and commit on every other member
//  8. notify the listener, release the fence
type Coordinator struct {
	t       transport.Transport
	data    *container.Container
	store   *persistence.Adapter
	fence   *lockmgr.Fence
	checker *Checker
	metrics *Metrics
	opts    Options
	now     func() time.Time

	participant *Participant
	listener    atomic.Pointer[Listener]
	gate        *gate
	active      *xsync.MapOf[string, *Transaction]
}

// NewCoordinator creates the engine for the member behind t. store may be nil.
func NewCoordinator(t transport.Transport, data *container.Container, store *persistence.Adapter, fence *lockmgr.Fence, m *Metrics, opts Options) *Coordinator {
	if m == nil {
		m = NewMetrics(nil)
	}
	opts = opts.withDefaults()
	c := &Coordinator{
		t:       t,
		data:    data,
		store:   store,
		fence:   fence,
		checker: NewChecker(data, store),
		metrics: m,
		opts:    opts,
		now:     opts.Clock,
		gate:    newGate(),
		active:  xsync.NewMapOf[string, *Transaction](),
	}
	c.participant = newParticipant(c)
	return c
}

// SetListener installs the committed write observer (nil removes it)
func (c *Coordinator) SetListener(l Listener) {
	if l == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&l)
}

func (c *Coordinator) notify(writes []transport.WriteOp) {
	if l := c.listener.Load(); l != nil {
		(*l)(writes)
	}
}

// Participant returns the replica side of this node
func (c *Coordinator) Participant() *Participant {
	return c.participant
}

// Options returns the effective options
func (c *Coordinator) Options() Options {
	return c.opts
}

// Handle serves the transaction messages of other members
func (c *Coordinator) Handle(ctx context.Context, req *transport.Message) *transport.Message {
	return c.participant.Handle(ctx, req)
}

func (c *Coordinator) checks() bool {
	return c.opts.WriteSkewCheck && c.opts.Isolation == RepeatableRead
}

// --------------------------------------------------------------------------
// Transaction operations
// --------------------------------------------------------------------------

// Begin opens a transaction. It fails with errs.RetCNotAccepting while the node drains.
func (c *Coordinator) Begin(_ context.Context) (*Transaction, error) {
	if err := c.gate.enter(); err != nil {
		return nil, err
	}
	tx := newTransaction(uuid.NewString(), c.opts.Isolation)
	c.active.Store(tx.id, tx)
	return tx, nil
}

// Read returns the live entry for key, loading it from the store on a container miss
func (c *Coordinator) Read(key string) (container.Entry, bool, error) {
	e, ok, err := load(c.data, c.store, key)
	if err != nil {
		c.metrics.PersistErrors.Inc()
	}
	return e, ok, err
}

// observe reads key and, when it has no live entry, the version of its tombstone
func (c *Coordinator) observe(key string) (container.Entry, bool, version.EntryVersion, error) {
	e, ok, err := c.Read(key)
	if err != nil || ok {
		return e, ok, e.Version, err
	}
	last, live := c.data.Last(key)
	if live {
		last = version.EntryVersion{}
	}
	return e, false, last, nil
}

// Get reads key inside tx. The transaction's own writes are visible; under
// RepeatableRead the first observation of a key is returned for the rest of tx.
func (c *Coordinator) Get(_ context.Context, tx *Transaction, key string) (container.Entry, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return container.Entry{}, false, err
	}
	if e, ok, handled := tx.lookup(key); handled {
		return e, ok, nil
	}
	e, ok, last, err := c.observe(key)
	if err != nil {
		return container.Entry{}, false, err
	}
	tx.recordRead(key, e, ok, last)
	return e, ok, nil
}

// Put buffers a write of key inside tx
func (c *Coordinator) Put(_ context.Context, tx *Transaction, key string, value []byte, meta container.Metadata) error {
	return c.buffer(tx, &write{key: key, value: append([]byte(nil), value...), meta: meta.Normalize()})
}

// Remove buffers a removal of key inside tx
func (c *Coordinator) Remove(_ context.Context, tx *Transaction, key string) error {
	return c.buffer(tx, &write{key: key, remove: true, meta: container.Immortal()})
}

func (c *Coordinator) buffer(tx *Transaction, w *write) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	var (
		current version.EntryVersion
		live    bool
	)
	_, written := tx.writes[w.key]
	_, read := tx.reads[w.key]
	if !written && !read {
		// blind write: validate against the version current right now
		var err error
		if _, live, current, err = c.observe(w.key); err != nil {
			return err
		}
	}
	tx.buffer(w, current, !live)
	return nil
}

// Commit runs the commit protocol for tx and returns once it is COMMITTED or
// ROLLED_BACK. Conflicts, replica failures and timeouts roll back the whole
// transaction everywhere. A best effort write-through failure is returned
// together with a committed transaction.
func (c *Coordinator) Commit(ctx context.Context, tx *Transaction) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.beginCommit(tx, cancel); err != nil {
		return err
	}
	start := time.Now()
	committed, err := c.commit(ctx, tx)
	c.metrics.CommitDuration.UpdateDuration(start)
	c.finish(tx, committed, err)
	return err
}

// Rollback discards tx. It is idempotent and legal while ACTIVE or PREPARING.
// A commit in progress is aborted if it did not reach its commit point yet;
// Rollback then waits for it and reports an error if it committed anyway.
func (c *Coordinator) Rollback(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	switch tx.state {
	case StateActive:
		tx.state = StateRolledBack
		tx.mu.Unlock()
		c.end(tx)
		c.metrics.Rollbacks.Inc()
		return nil
	case StateRolledBack:
		tx.mu.Unlock()
		return nil
	case StateCommitted:
		tx.mu.Unlock()
		return errs.Newf(errs.RetCInvalidOperation, "transaction %s is already committed", tx.id)
	}

	tx.requestAbortLocked()
	done := tx.done
	tx.mu.Unlock()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
	if tx.State() == StateCommitted {
		return errs.Newf(errs.RetCInvalidOperation, "transaction %s committed before the rollback", tx.id)
	}
	return nil
}

// Release ends a transaction that holds no writes and counts it as read only.
// A transaction with writes is rolled back.
func (c *Coordinator) Release(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	if tx.state == StateActive && len(tx.writes) == 0 {
		tx.state = StateRolledBack
		tx.mu.Unlock()
		c.end(tx)
		c.metrics.ReadOnly.Inc()
		return nil
	}
	tx.mu.Unlock()
	return c.Rollback(ctx, tx)
}

// ActiveCount returns the number of transactions begun here that did not end yet
func (c *Coordinator) ActiveCount() int {
	return c.active.Size()
}

// --------------------------------------------------------------------------
// Commit protocol
// --------------------------------------------------------------------------

func (c *Coordinator) beginCommit(tx *Transaction, cancel context.CancelFunc) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.state = StatePreparing
	tx.cancel = cancel
	tx.done = make(chan struct{})
	return nil
}

func (c *Coordinator) commit(ctx context.Context, tx *Transaction) (bool, error) {
	tx.mu.Lock()
	ops := tx.writeOps(c.now())
	tx.mu.Unlock()

	if len(ops) == 0 {
		err := c.seal(ctx, tx)
		return err == nil, err
	}
	if err := aborted(ctx, tx); err != nil {
		return false, err
	}

	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = op.Key
	}
	guard, err := c.fence.Acquire(ctx, tx.id, keys)
	if err != nil {
		if errs.Is(err, errs.RetCLockTimeout) {
			c.metrics.LockTimeouts.Inc()
		}
		return false, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PrepareTimeout)
		defer cancel()
		guard.Release(rctx)
	}()

	if c.checks() {
		if err := c.checker.Check(ops); err != nil {
			c.metrics.Conflicts.Inc()
			return false, err
		}
	}
	gen := c.data.Generator()
	for i := range ops {
		cur, _, err := c.checker.Current(ops[i].Key)
		if err != nil {
			return false, err
		}
		ops[i].Version = gen.Next(cur)
	}

	view := c.t.View()
	members := view.Others(c.t.Self())
	if err := c.prepare(ctx, tx, view, members, ops); err != nil {
		return false, err
	}
	if err := c.seal(ctx, tx); err != nil {
		c.rollbackReplicas(ctx, members, tx.id)
		return false, err
	}

	var persistErr error
	if c.store != nil {
		if err := persist(c.store, ops); err != nil {
			c.metrics.PersistErrors.Inc()
			if c.opts.Strict {
				c.rollbackReplicas(ctx, members, tx.id)
				return false, err
			}
			log.Warningf("%s commits in memory only, write-through failed: %v", tx.id, err)
			persistErr = err
		}
	}

	apply(c.data, ops)
	if err := c.commitReplicas(ctx, members, tx.id); err != nil && persistErr == nil {
		persistErr = err
	}
	c.notify(ops)
	return true, persistErr
}

// seal marks the commit point. A rollback requested before it aborts the commit.
func (c *Coordinator) seal(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.sealed {
		return nil
	}
	if err := abortedLocked(ctx, tx); err != nil {
		return err
	}
	tx.sealed = true
	return nil
}

func aborted(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return abortedLocked(ctx, tx)
}

func abortedLocked(ctx context.Context, tx *Transaction) error {
	if tx.abort || ctx.Err() != nil {
		return errors.Wrapf(context.Canceled, "transaction %s rolled back before its commit point", tx.id)
	}
	return nil
}

func (c *Coordinator) prepare(ctx context.Context, tx *Transaction, view topology.View, members []topology.MemberID, ops []transport.WriteOp) error {
	if len(members) == 0 {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.PrepareTimeout)
	defer cancel()
	_, failed := transport.BroadcastFailFast(pctx, c.t, members, &transport.Message{
		MsgType: transport.MsgTTxPrepare,
		ViewID:  view.ID,
		TxID:    tx.id,
		Writes:  ops,
	})
	if failed == nil {
		return nil
	}
	c.rollbackReplicas(ctx, members, tx.id)
	return c.replyError(ctx, *failed)
}

// replyError maps a failed prepare reply to the error reported to the caller
func (c *Coordinator) replyError(ctx context.Context, r transport.Reply) error {
	member := string(r.Member)
	if r.Err != nil {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "transaction rolled back during prepare")
		}
		c.metrics.ReplicaErrors.Inc()
		if errors.Is(r.Err, context.DeadlineExceeded) {
			return errs.ReplicaTimeout(member)
		}
		return errs.ReplicaFailure(member, r.Err)
	}
	err := r.Msg.AsError()
	if errs.Is(err, errs.RetCWriteSkewConflict) {
		c.metrics.Conflicts.Inc()
		return err
	}
	c.metrics.ReplicaErrors.Inc()
	return errs.ReplicaFailure(member, err)
}

// rollbackReplicas discards the staged write set everywhere. Failures are
// logged only: a replica that misses the rollback drops the set after the prepared TTL.
func (c *Coordinator) rollbackReplicas(ctx context.Context, members []topology.MemberID, txID string) {
	if len(members) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PrepareTimeout)
	defer cancel()
	for _, r := range transport.Broadcast(rctx, c.t, members, &transport.Message{MsgType: transport.MsgTTxRollback, TxID: txID}) {
		if r.Failed() {
			log.Warningf("rollback of %s on %s failed: %v", txID, r.Member, errors.CombineErrors(r.Err, r.Msg.AsError()))
		}
	}
}

// commitReplicas tells every replica to apply. The commit point is behind us,
// so failures are reported but nothing is undone.
func (c *Coordinator) commitReplicas(ctx context.Context, members []topology.MemberID, txID string) error {
	if len(members) == 0 {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PrepareTimeout)
	defer cancel()
	var first error
	for _, r := range transport.Broadcast(rctx, c.t, members, &transport.Message{MsgType: transport.MsgTTxCommit, TxID: txID}) {
		if !r.Failed() {
			continue
		}
		c.metrics.ReplicaErrors.Inc()
		var err error
		if r.Err != nil {
			err = errs.ReplicaFailure(string(r.Member), r.Err)
		} else {
			err = r.Msg.AsError()
		}
		log.Errorf("commit of %s on %s failed: %v", txID, r.Member, err)
		if first == nil && errs.Is(err, errs.RetCPersistenceFailure) {
			first = err
		}
	}
	return first
}

func (c *Coordinator) finish(tx *Transaction, committed bool, err error) {
	tx.mu.Lock()
	if committed {
		tx.state = StateCommitted
	} else {
		tx.state = StateRolledBack
	}
	tx.err = err
	close(tx.done)
	tx.mu.Unlock()

	c.end(tx)
	if committed {
		c.metrics.Commits.Inc()
	} else {
		c.metrics.Rollbacks.Inc()
		log.Debugf("%s rolled back: %v", tx.id, err)
	}
}

func (c *Coordinator) end(tx *Transaction) {
	if _, ok := c.active.LoadAndDelete(tx.id); ok {
		c.gate.leave()
	}
}

// --------------------------------------------------------------------------
// Drain
// --------------------------------------------------------------------------

// Drain stops admitting transactions and waits for the ones in flight.
// Transactions still ACTIVE when ctx ends are rolled back; commits in progress
// always run to completion. Replica side prepared sets are awaited too.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.gate.setOpen(false)
	if err := c.gate.wait(ctx); err != nil {
		c.active.Range(func(_ string, tx *Transaction) bool {
			if tx.State() == StateActive {
				_ = c.Rollback(context.Background(), tx)
			}
			return true
		})
		wctx, cancel := context.WithTimeout(context.Background(), c.opts.PrepareTimeout)
		defer cancel()
		if err := c.gate.wait(wctx); err != nil {
			return errs.Wrap(errs.RetCInternalError, err, "transactions did not drain")
		}
	}

	if !c.awaitPrepared(ctx) {
		log.Warningf("%s drained with %d prepared write sets of other members left", c.t.Self(), c.participant.Pending())
	}
	log.Infof("%s drained", c.t.Self())
	return nil
}

// awaitPrepared waits until no write set of another member is staged here
func (c *Coordinator) awaitPrepared(ctx context.Context) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for c.participant.Pending() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Suspend stops admitting transactions without waiting for the ones in flight
func (c *Coordinator) Suspend() {
	c.gate.setOpen(false)
}

// Resume admits transactions again
func (c *Coordinator) Resume() {
	c.gate.setOpen(true)
}

// Accepting reports whether Begin admits transactions
func (c *Coordinator) Accepting() bool {
	return c.gate.isOpen()
}
