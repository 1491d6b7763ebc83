package gossip

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/topology"
	lt "github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/rpc/client"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/ValentinKolb/dGrid/rpc/transport/tcp"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/memberlist"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("gossip")

// Config configures the gossip transport of one member
type Config struct {
	// NodeID is the member id; it must be stable across restarts
	NodeID topology.MemberID

	// BindAddr and BindPort are the gossip listener (port 0 picks a free port)
	BindAddr string
	BindPort int

	// Seeds are gossip addresses (host:port) of members to join through
	Seeds []string

	// RPCAddr is the endpoint other members reach this member's rpc server on
	RPCAddr string

	// Serializer encodes protocol messages (nil uses the binary serializer)
	Serializer serializer.IRPCSerializer

	// Client tunes the rpc connections to other members
	Client common.ClientConfig

	// NewClientTransport creates the rpc transport to one member (nil uses tcp)
	NewClientTransport func() transport.IRPCClientTransport

	// LeaveTimeout bounds the leave broadcast on Leave
	LeaveTimeout time.Duration

	// Local uses memberlist timings tuned for a single host
	Local bool
}

// meta is published to every member with the gossip state
type meta struct {
	RPC    string `json:"rpc"`
	Joined int64  `json:"joined"` // unix nanoseconds the member joined at
}

type member struct {
	id topology.MemberID
	meta
}

// Transport implements transport.Transport over memberlist. Memberlist
// tracks which members are alive; requests travel over the rpc peer channel
// of the receiver. The view orders members by the time they joined, so the
// longest running member coordinates.
type Transport struct {
	cfg  Config
	self member
	ml   *memberlist.Memberlist

	mu      sync.Mutex
	members map[topology.MemberID]meta
	view    topology.View

	hmu sync.RWMutex
	h   lt.Handler

	subs   *xsync.MapOf[uint64, func(topology.View)]
	nextID atomic.Uint64

	peers  *xsync.MapOf[topology.MemberID, *client.PeerClient]
	pmu    sync.Mutex // serializes connecting to a member
	events chan memberlist.NodeEvent
	done   chan struct{}
	closed atomic.Bool
}

var _ lt.Transport = (*Transport)(nil)

// New starts gossiping and joins the seeds. Failing to reach every seed is
// not an error as long as one answered or no seeds are configured.
func New(cfg Config) (*Transport, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("gossip needs a node id")
	}
	if cfg.RPCAddr == "" {
		return nil, errors.New("gossip needs the rpc address of the member")
	}
	if cfg.Serializer == nil {
		cfg.Serializer = serializer.NewBinarySerializer()
	}
	if cfg.NewClientTransport == nil {
		cfg.NewClientTransport = tcp.NewTCPClientTransport
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}

	t := &Transport{
		cfg:     cfg,
		self:    member{id: cfg.NodeID, meta: meta{RPC: cfg.RPCAddr, Joined: time.Now().UnixNano()}},
		members: make(map[topology.MemberID]meta),
		subs:    xsync.NewMapOf[uint64, func(topology.View)](),
		peers:   xsync.NewMapOf[topology.MemberID, *client.PeerClient](),
		events:  make(chan memberlist.NodeEvent, 256),
		done:    make(chan struct{}),
	}
	t.members[t.self.id] = t.self.meta
	t.view = topology.NewView(1, t.self.id)

	mc := memberlist.DefaultLANConfig()
	if cfg.Local {
		mc = memberlist.DefaultLocalConfig()
	}
	mc.Name = string(cfg.NodeID)
	mc.BindAddr = cfg.BindAddr
	mc.BindPort = cfg.BindPort
	mc.AdvertisePort = cfg.BindPort
	mc.Delegate = t
	mc.Events = &memberlist.ChannelEventDelegate{Ch: t.events}
	mc.LogOutput = logWriter{}

	go t.watch()

	ml, err := memberlist.Create(mc)
	if err != nil {
		close(t.done)
		return nil, errors.Wrap(err, "failed to start gossip")
	}
	t.ml = ml

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil && n == 0 {
			_ = ml.Shutdown()
			close(t.done)
			return nil, errors.Wrapf(err, "failed to join any of %v", cfg.Seeds)
		}
		if err != nil {
			log.Warningf("%s reached %d of %d seeds: %v", cfg.NodeID, n, len(cfg.Seeds), err)
		}
	}
	log.Infof("%s gossiping on %s", cfg.NodeID, t.Addr())
	return t, nil
}

// Addr returns the gossip address other members can use as seed
func (t *Transport) Addr() string {
	n := t.ml.LocalNode()
	return n.Address()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.Transport)
// --------------------------------------------------------------------------

func (t *Transport) Self() topology.MemberID {
	return t.self.id
}

func (t *Transport) View() topology.View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

func (t *Transport) Send(ctx context.Context, to topology.MemberID, req *lt.Message) (*lt.Message, error) {
	if t.closed.Load() {
		return nil, lt.ErrClosed
	}
	req.From = t.self.id
	if to == t.self.id {
		h := t.handler()
		if h == nil {
			return nil, errors.Wrapf(lt.ErrNoHandler, "%s", to)
		}
		return h(ctx, req), nil
	}

	p, err := t.peer(to)
	if err != nil {
		return nil, err
	}
	resp, err := p.Send(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "send %s to %s", req.MsgType, to)
	}
	return resp, nil
}

func (t *Transport) SetHandler(h lt.Handler) {
	t.hmu.Lock()
	t.h = h
	t.hmu.Unlock()
}

func (t *Transport) Subscribe(fn func(topology.View)) func() {
	id := t.nextID.Add(1)
	t.subs.Store(id, fn)
	return func() { t.subs.Delete(id) }
}

func (t *Transport) Leave() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.ml.Leave(t.cfg.LeaveTimeout)
	if serr := t.ml.Shutdown(); err == nil {
		err = serr
	}
	close(t.done)

	t.peers.Range(func(id topology.MemberID, p *client.PeerClient) bool {
		_ = p.Close()
		t.peers.Delete(id)
		return true
	})
	log.Infof("%s left", t.self.id)
	return errors.Wrap(err, "leave")
}

// Deliver hands a request received on the rpc peer channel to the handler
func (t *Transport) Deliver(ctx context.Context, req *lt.Message) *lt.Message {
	h := t.handler()
	if h == nil {
		return lt.NewErrorResponse(req.MsgType, errs.Wrap(errs.RetCNotAccepting, lt.ErrNoHandler, string(t.self.id)))
	}
	return h(ctx, req)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *Transport) handler() lt.Handler {
	t.hmu.RLock()
	defer t.hmu.RUnlock()
	return t.h
}

// peer returns the connected client of member id
func (t *Transport) peer(id topology.MemberID) (*client.PeerClient, error) {
	if p, ok := t.peers.Load(id); ok {
		return p, nil
	}

	t.pmu.Lock()
	defer t.pmu.Unlock()
	if p, ok := t.peers.Load(id); ok {
		return p, nil
	}

	t.mu.Lock()
	m, ok := t.members[id]
	t.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(lt.ErrUnknownMember, "%s", id)
	}

	cc := t.cfg.Client
	cc.Transport.Endpoints = []string{m.RPC}
	p, err := client.NewPeerClient(cc, t.cfg.NewClientTransport(), t.cfg.Serializer)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", id)
	}
	t.peers.Store(id, p)
	return p, nil
}

// watch applies memberlist events to the view
func (t *Transport) watch() {
	for {
		select {
		case <-t.done:
			return
		case ev := <-t.events:
			t.apply(ev)
		}
	}
}

func (t *Transport) apply(ev memberlist.NodeEvent) {
	id := topology.MemberID(ev.Node.Name)
	if id == t.self.id {
		return
	}

	t.mu.Lock()
	switch ev.Event {
	case memberlist.NodeJoin, memberlist.NodeUpdate:
		var m meta
		if err := json.Unmarshal(ev.Node.Meta, &m); err != nil {
			t.mu.Unlock()
			log.Warningf("%s ignores %s with unreadable meta: %v", t.self.id, id, err)
			return
		}
		if old, ok := t.members[id]; ok && old == m {
			t.mu.Unlock()
			return
		}
		t.members[id] = m
	case memberlist.NodeLeave:
		if _, ok := t.members[id]; !ok {
			t.mu.Unlock()
			return
		}
		delete(t.members, id)
	}
	view := t.rebuild()
	t.mu.Unlock()

	// A restarted member comes back on a new connection
	if p, ok := t.peers.LoadAndDelete(id); ok {
		_ = p.Close()
	}

	log.Infof("%s sees %s after %s of %s", t.self.id, view, eventName(ev.Event), id)
	t.subs.Range(func(_ uint64, fn func(topology.View)) bool {
		fn(view)
		return true
	})
}

// rebuild orders the members by join time and id; t.mu must be held
func (t *Transport) rebuild() topology.View {
	ms := make([]member, 0, len(t.members))
	for id, m := range t.members {
		ms = append(ms, member{id: id, meta: m})
	}
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Joined != ms[j].Joined {
			return ms[i].Joined < ms[j].Joined
		}
		return ms[i].id < ms[j].id
	})
	ids := make([]topology.MemberID, len(ms))
	for i, m := range ms {
		ids[i] = m.id
	}
	t.view = topology.NewView(t.view.ID+1, ids...)
	return t.view
}

func eventName(e memberlist.NodeEventType) string {
	switch e {
	case memberlist.NodeJoin:
		return "join"
	case memberlist.NodeLeave:
		return "leave"
	default:
		return "update"
	}
}

// --------------------------------------------------------------------------
// memberlist.Delegate
// --------------------------------------------------------------------------

func (t *Transport) NodeMeta(limit int) []byte {
	b, err := json.Marshal(t.self.meta)
	if err != nil || len(b) > limit {
		log.Errorf("%s meta does not fit %d bytes", t.self.id, limit)
		return nil
	}
	return b
}

func (t *Transport) NotifyMsg([]byte) {}

func (t *Transport) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (t *Transport) LocalState(join bool) []byte { return nil }

func (t *Transport) MergeRemoteState(buf []byte, join bool) {}

// logWriter routes memberlist's log lines to the gossip logger
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	switch {
	case strings.Contains(line, "[ERR]"):
		log.Errorf("%s", line)
	case strings.Contains(line, "[WARN]"):
		log.Warningf("%s", line)
	default:
		log.Debugf("%s", line)
	}
	return len(p), nil
}
