package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/txn"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("cluster")

// Phase is the lifecycle phase of a member
type Phase int

const (
	PhaseIdle     Phase = iota // not started
	PhaseForming               // waiting for the restart decision
	PhaseRunning               // serving transactions
	PhaseDraining              // coordinated shutdown in progress
	PhaseStopped               // global state persisted, container cleared
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseForming:
		return "FORMING"
	case PhaseRunning:
		return "RUNNING"
	case PhaseDraining:
		return "DRAINING"
	case PhaseStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Options configures a Membership
type Options struct {
	Cluster          string        // cluster name; persisted state of other clusters is rejected
	StateDir         string        // where the global state is kept ("" keeps it in memory)
	Preload          bool          // load the container from the store when admitted with state
	FormationTimeout time.Duration // bound on Start waiting for the decision
	DrainTimeout     time.Duration // bound on draining transactions during shutdown
	RetryInterval    time.Duration // how often a forming member resends its summary
	TransferChunk    int           // entries per state transfer message
}

func (o Options) withDefaults() Options {
	if o.Cluster == "" {
		o.Cluster = "dgrid"
	}
	if o.FormationTimeout <= 0 {
		o.FormationTimeout = 2 * time.Minute
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.TransferChunk <= 0 {
		o.TransferChunk = 512
	}
	return o
}

// ViewInfo answers MsgTClusterView
type ViewInfo struct {
	Member      topology.MemberID `json:"member"`
	View        topology.View     `json:"view"`
	Coordinator topology.MemberID `json:"coordinator"`
	Phase       string            `json:"phase"`
	Entries     int               `json:"entries"`
}

// Membership is the ClusterMembershipCoordinator of one member. It keeps the
// view, the persisted global state and the container consistent across a
// coordinated shutdown and the following restart. Every member runs one;
// the member coordinating the current view makes the decisions.
type Membership struct {
	t      transport.Transport
	tx     *txn.Coordinator
	data   *container.Container
	store  *persistence.Adapter
	states *StateStore
	opts   Options

	mu        sync.Mutex
	phase     Phase
	local     Summary
	expected  int // entries recorded at the last shutdown, -1 when unknown
	formation Outcome
	summaries map[topology.MemberID]Summary
	decided   chan Decision
	running   chan struct{}
	stopped   chan struct{}

	shutdownMu sync.Mutex
}

// New creates the membership coordinator of the member behind t. store may be nil.
func New(t transport.Transport, tx *txn.Coordinator, data *container.Container, store *persistence.Adapter, opts Options) *Membership {
	opts = opts.withDefaults()
	return &Membership{
		t:         t,
		tx:        tx,
		data:      data,
		store:     store,
		states:    NewStateStore(opts.StateDir),
		opts:      opts,
		expected:  -1,
		summaries: make(map[topology.MemberID]Summary),
		running:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Phase returns the current phase
func (m *Membership) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// States returns the global state store
func (m *Membership) States() *StateStore {
	return m.states
}

// Stopped is closed once a coordinated shutdown persisted this member's state
func (m *Membership) Stopped() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Info describes the member's view
func (m *Membership) Info() ViewInfo {
	view := m.t.View()
	coord, _ := view.Coordinator()
	return ViewInfo{
		Member:      m.t.Self(),
		View:        view,
		Coordinator: coord,
		Phase:       m.Phase().String(),
		Entries:     m.data.Size(),
	}
}

// --------------------------------------------------------------------------
// Start
// --------------------------------------------------------------------------

// Start joins the grid. It reports the local global state to the coordinator,
// waits for the decision and then either preloads the container from the
// store or copies it from a running member. A member the decision rejects
// gets an errs.RetCClusterViewMismatch error and must leave the group.
func (m *Membership) Start(ctx context.Context) error {
	self := m.t.Self()
	m.mu.Lock()
	if m.phase != PhaseIdle && m.phase != PhaseStopped {
		phase := m.phase
		m.mu.Unlock()
		return errs.Newf(errs.RetCInvalidOperation, "%s is %s", self, phase)
	}
	m.phase = PhaseForming
	m.decided = make(chan Decision, 1)
	m.running = make(chan struct{})
	m.stopped = make(chan struct{})
	m.mu.Unlock()

	m.tx.Suspend()
	m.tx.Participant().SetSyncing(true)

	d, err := m.await(ctx)
	if err != nil {
		m.abortStart()
		return err
	}
	if !d.Admitted {
		m.abortStart()
		log.Errorf("%s was rejected: %s", self, d.Reason)
		return errs.ViewMismatch(string(self), "%s", d.Reason)
	}

	m.data.Generator().SetGeneration(d.Generation)
	if err := m.load(ctx, d); err != nil {
		m.abortStart()
		return err
	}
	if err := m.states.Delete(); err != nil {
		log.Warningf("%s could not remove its superseded global state: %v", self, err)
	}

	m.tx.Participant().SetSyncing(false)
	m.tx.Resume()
	m.mu.Lock()
	m.phase = PhaseRunning
	m.summaries = make(map[topology.MemberID]Summary)
	close(m.running)
	m.mu.Unlock()
	log.Infof("%s is running in %s with %d entries (generation %d)", self, m.t.View(), m.data.Size(), d.Generation)
	return nil
}

// await reports the summary until the coordinator decided about this member
func (m *Membership) await(ctx context.Context) (Decision, error) {
	st, ok, err := m.states.Load(m.opts.Cluster)
	if err != nil {
		return Decision{}, err
	}
	sum := Summary{Member: m.t.Self(), HasState: ok, Generation: m.data.Generator().Generation()}
	if ok {
		sum.Expected = st.View
		if st.Generation > sum.Generation {
			sum.Generation = st.Generation
		}
	}
	m.mu.Lock()
	m.local = sum
	m.expected = -1
	if ok {
		m.expected = st.Entries
	}
	decided := m.decided
	m.mu.Unlock()
	log.Infof("%s starts (persisted state: %v, expected view %s)", sum.Member, ok, sum.Expected)

	ctx, cancel := context.WithTimeout(ctx, m.opts.FormationTimeout)
	defer cancel()
	ticker := time.NewTicker(m.opts.RetryInterval)
	defer ticker.Stop()
	for {
		m.report(ctx, sum)
		select {
		case d := <-decided:
			return d, nil
		case <-ticker.C:
		case <-ctx.Done():
			return Decision{}, errs.Wrap(errs.RetCInternalError, ctx.Err(), "no formation decision")
		}
	}
}

func (m *Membership) abortStart() {
	m.tx.Participant().SetSyncing(false)
	m.mu.Lock()
	m.phase = PhaseIdle
	m.mu.Unlock()
}

// report sends the summary to the coordinator of the current view
func (m *Membership) report(ctx context.Context, sum Summary) {
	view := m.t.View()
	coord, ok := view.Coordinator()
	if !ok {
		return
	}
	msg, err := transport.NewPayloadMessage(transport.MsgTClusterSummary, sum)
	if err != nil {
		log.Errorf("encode summary: %v", err)
		return
	}
	msg.ViewID = view.ID
	resp, err := m.t.Send(ctx, coord, msg)
	if err == nil {
		err = resp.AsError()
	}
	if err != nil && ctx.Err() == nil {
		log.Debugf("%s could not report to %s: %v", sum.Member, coord, err)
	}
}

// load fills the container according to the decision
func (m *Membership) load(ctx context.Context, d Decision) error {
	self := m.t.Self()
	if d.Fresh && d.Source != "" && d.Source != self {
		m.data.Clear()
		if m.store != nil {
			if err := m.store.Clear(); err != nil {
				return err
			}
		}
		return m.transfer(ctx, d.Source)
	}

	if m.store == nil || !m.opts.Preload {
		return nil
	}
	n, err := m.store.Preload(m.data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	expected := m.expected
	m.mu.Unlock()
	if expected >= 0 && n != expected {
		log.Warningf("%s preloaded %d entries but persisted %d at shutdown", self, n, expected)
	}
	return nil
}

// transfer copies every live entry of source into the container and the
// store. Entries arrive in key order, one chunk per request; each request
// names the last key received.
func (m *Membership) transfer(ctx context.Context, source topology.MemberID) error {
	var (
		after  string
		copied int
	)
	for {
		resp, err := m.t.Send(ctx, source, &transport.Message{MsgType: transport.MsgTStateTransfer, Key: after})
		if err != nil {
			return errs.Wrap(errs.RetCReplicaPrepareFailure, err, "state transfer from "+string(source))
		}
		if err := resp.AsError(); err != nil {
			return err
		}
		records := make([]persistence.StoreRecord, 0, len(resp.Writes))
		for _, op := range resp.Writes {
			e := txn.EntryOf(op)
			if m.data.PutVersioned(e) {
				records = append(records, persistence.RecordFromEntry(e))
			}
		}
		if m.store != nil && len(records) > 0 {
			if err := m.store.Apply(records, nil); err != nil {
				return err
			}
		}
		copied += len(records)
		if !resp.Ok || resp.Key <= after {
			break
		}
		after = resp.Key
	}
	log.Infof("%s copied %d entries from %s", m.t.Self(), copied, source)
	return nil
}

// --------------------------------------------------------------------------
// Coordinated shutdown
// --------------------------------------------------------------------------

// Shutdown runs the coordinated shutdown of the whole grid. Every member
// drains its transactions, then flushes its store, persists the global state
// with the current view and clears its container. If any member fails to
// drain, every member resumes and the error is returned. Called on a member
// that does not coordinate the view, the request is forwarded.
func (m *Membership) Shutdown(ctx context.Context) error {
	view := m.t.View()
	coord, ok := view.Coordinator()
	if !ok {
		return errs.New(errs.RetCInvalidOperation, "empty view")
	}
	if coord != m.t.Self() {
		resp, err := m.t.Send(ctx, coord, &transport.Message{MsgType: transport.MsgTShutdown})
		if err != nil {
			return errs.Wrap(errs.RetCInternalError, err, "forward shutdown to "+string(coord))
		}
		return resp.AsError()
	}
	return m.shutdown(ctx)
}

func (m *Membership) shutdown(ctx context.Context) error {
	if !m.shutdownMu.TryLock() {
		return errs.New(errs.RetCInvalidOperation, "a shutdown is already in progress")
	}
	defer m.shutdownMu.Unlock()

	view := m.t.View()
	log.Infof("%s shuts down %s", m.t.Self(), view)

	drain := &transport.Message{MsgType: transport.MsgTShutdownDrain, ViewID: view.ID}
	if err := firstFailure(transport.Broadcast(ctx, m.t, view.Members, drain)); err != nil {
		abort := &transport.Message{MsgType: transport.MsgTShutdownAbort, ViewID: view.ID}
		transport.Broadcast(context.WithoutCancel(ctx), m.t, view.Members, abort)
		log.Errorf("shutdown of %s aborted: %v", view, err)
		return errs.Wrap(errs.RetCInternalError, err, "shutdown aborted")
	}

	persist, err := transport.NewPayloadMessage(transport.MsgTShutdownPersist, view)
	if err != nil {
		return errs.Wrap(errs.RetCInternalError, err, "shutdown")
	}
	persist.ViewID = view.ID
	if err := firstFailure(transport.Broadcast(ctx, m.t, view.Members, persist)); err != nil {
		log.Errorf("shutdown of %s incomplete: %v", view, err)
		return err
	}
	log.Infof("%s shut down", view)
	return nil
}

func firstFailure(replies []transport.Reply) error {
	var err error
	for _, r := range replies {
		switch {
		case r.Err != nil:
			err = errors.CombineErrors(err, errs.ReplicaFailure(string(r.Member), r.Err))
		case r.Msg.AsError() != nil:
			err = errors.CombineErrors(err, r.Msg.AsError())
		}
	}
	return err
}

// drain stops admitting transactions and waits for the ones in flight
func (m *Membership) drain(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseRunning {
		phase := m.phase
		m.mu.Unlock()
		return errs.Newf(errs.RetCNotAccepting, "%s is %s", m.t.Self(), phase)
	}
	m.phase = PhaseDraining
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.DrainTimeout)
	defer cancel()
	if err := m.tx.Drain(ctx); err != nil {
		m.resume()
		return err
	}
	return nil
}

func (m *Membership) resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseDraining {
		m.phase = PhaseRunning
		m.tx.Resume()
		log.Infof("%s resumed", m.t.Self())
	}
}

// persist writes the global state for view and clears the container
func (m *Membership) persist(view topology.View) error {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()
	if phase != PhaseDraining {
		return errs.Newf(errs.RetCInvalidOperation, "%s is %s, not draining", m.t.Self(), phase)
	}
	if m.store != nil {
		if err := m.store.Flush(); err != nil {
			return err
		}
	}
	st := GlobalState{
		Cluster:    m.opts.Cluster,
		Member:     m.t.Self(),
		View:       view,
		Generation: m.data.Generator().Generation(),
		Entries:    m.data.Size(),
		Timestamp:  time.Now(),
	}
	if err := m.states.Save(st); err != nil {
		return err
	}
	m.data.Clear()

	m.mu.Lock()
	m.phase = PhaseStopped
	close(m.stopped)
	m.mu.Unlock()
	log.Infof("%s persisted %d entries of %s and stopped", st.Member, st.Entries, view)
	return nil
}

// --------------------------------------------------------------------------
// Message handling
// --------------------------------------------------------------------------

// Handle serves the cluster lifecycle messages
func (m *Membership) Handle(ctx context.Context, req *transport.Message) *transport.Message {
	var (
		resp *transport.Message
		err  error
	)
	switch req.MsgType {
	case transport.MsgTClusterView:
		resp, err = transport.NewPayloadMessage(transport.MsgTClusterView, m.Info())
	case transport.MsgTClusterSummary:
		err = m.onSummary(req)
	case transport.MsgTClusterFormed:
		err = m.onFormed(req)
	case transport.MsgTStateTransfer:
		resp, err = m.onTransfer(ctx, req)
	case transport.MsgTShutdown:
		err = m.Shutdown(ctx)
	case transport.MsgTShutdownDrain:
		err = m.drain(ctx)
	case transport.MsgTShutdownPersist:
		var view topology.View
		if err = req.DecodePayload(&view); err == nil {
			err = m.persist(view)
		}
	case transport.MsgTShutdownAbort:
		m.resume()
	default:
		err = errs.Newf(errs.RetCInvalidOperation, "unexpected %s for the membership", req.MsgType)
	}
	if err != nil {
		return transport.NewErrorResponse(transport.MsgTError, err)
	}
	if resp == nil {
		resp = transport.NewResponse(transport.MsgTSuccess)
	}
	return resp
}

// onSummary records a summary. The coordinator decides once every member of
// the current view reported, or at once for a member joining a running grid.
func (m *Membership) onSummary(req *transport.Message) error {
	var sum Summary
	if err := req.DecodePayload(&sum); err != nil {
		return err
	}
	view := m.t.View()
	if !view.IsCoordinator(m.t.Self()) {
		return errs.Newf(errs.RetCInvalidOperation, "%s does not coordinate %s", m.t.Self(), view)
	}

	m.mu.Lock()
	m.summaries[sum.Member] = sum
	var (
		out    Outcome
		decide bool
	)
	switch m.phase {
	case PhaseRunning:
		out, decide = m.admitLateLocked(sum), true
	case PhaseForming:
		out, decide = m.evaluateLocked(view)
	}
	m.mu.Unlock()

	if decide {
		go m.announce(view, out)
	}
	return nil
}

// evaluateLocked reconciles the summaries of view once all of them are in
func (m *Membership) evaluateLocked(view topology.View) (Outcome, bool) {
	sums := make([]Summary, 0, view.Size())
	for _, id := range view.Members {
		s, ok := m.summaries[id]
		if !ok {
			return Outcome{}, false
		}
		sums = append(sums, s)
	}
	out := Reconcile(sums)
	if !out.Complete {
		log.Infof("formation of %s incomplete: expecting %s, admitted %v, rejected %v", view, out.Expected, out.Admitted, out.Rejected)
	}
	return out, true
}

// admitLateLocked decides about a member that joins a running grid. It is
// admitted without its state unless that state belongs to another formation.
func (m *Membership) admitLateLocked(sum Summary) Outcome {
	out := Outcome{
		Complete:   true,
		Expected:   m.formation.Expected,
		Rejected:   map[topology.MemberID]string{},
		Source:     m.t.Self(),
		Generation: m.data.Generator().Generation(),
	}
	switch {
	case !sum.HasState, m.formation.Expected.Size() > 0 && sameView(sum.Expected, m.formation.Expected):
		out.Admitted = []topology.MemberID{sum.Member}
		out.FreshMembers = []topology.MemberID{sum.Member}
	default:
		out.Rejected[sum.Member] = "persisted state of " + string(sum.Member) +
			" expects " + sum.Expected.String() + " which is not part of the running grid"
	}
	return out
}

// announce tells the members of view about out. Rejected members are always
// told; the admitted ones only once the outcome is complete.
func (m *Membership) announce(view topology.View, out Outcome) {
	msg, err := transport.NewPayloadMessage(transport.MsgTClusterFormed, out)
	if err != nil {
		log.Errorf("encode outcome: %v", err)
		return
	}
	msg.ViewID = view.ID
	targets := make([]topology.MemberID, 0, view.Size())
	for _, id := range view.Members {
		if _, ok := out.Rejected[id]; ok || (out.Complete && contains(out.Admitted, id)) {
			targets = append(targets, id)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FormationTimeout)
	defer cancel()
	for _, r := range transport.Broadcast(ctx, m.t, targets, msg) {
		if r.Failed() {
			log.Warningf("could not announce formation to %s: %v", r.Member, errors.CombineErrors(r.Err, r.Msg.AsError()))
		}
	}
}

// onFormed hands the decision about this member to Start
func (m *Membership) onFormed(req *transport.Message) error {
	var out Outcome
	if err := req.DecodePayload(&out); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := out.DecisionFor(m.t.Self())
	if !ok || m.phase != PhaseForming {
		return nil
	}
	if d.Admitted && out.Expected.Size() > 0 {
		m.formation = out
	}
	select {
	case m.decided <- d:
	default:
	}
	return nil
}

// onTransfer returns the next chunk of live entries after req.Key once this
// member is running. Ok reports that more entries follow; Key is the last key
// of the chunk.
func (m *Membership) onTransfer(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	select {
	case <-running:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.RetCNotAccepting, ctx.Err(), string(m.t.Self())+" is not running")
	}
	page, more := m.data.Page(req.Key, m.opts.TransferChunk)
	resp := transport.NewResponse(transport.MsgTStateTransfer)
	resp.Writes = make([]transport.WriteOp, len(page))
	for i, e := range page {
		resp.Writes[i] = txn.OpOf(e)
	}
	if len(page) > 0 {
		resp.Key = page[len(page)-1].Key
	}
	resp.Ok = more
	return resp, nil
}
