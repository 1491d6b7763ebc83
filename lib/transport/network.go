package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Network is an in-process group. Every member joined through the network
// sees the same view; messages are delivered by direct handler calls and,
// when a Codec is configured, pass through a full encode/decode cycle.
// Faults (delays, unresponsive members) can be injected for tests.
type Network struct {
	codec Codec

	mu      sync.Mutex
	view    topology.View
	members *xsync.MapOf[topology.MemberID, *Local]

	delays   *xsync.MapOf[topology.MemberID, time.Duration]
	silenced *xsync.MapOf[topology.MemberID, bool]
}

// NewNetwork creates an empty in-process network. codec may be nil.
func NewNetwork(codec Codec) *Network {
	return &Network{
		codec:    codec,
		members:  xsync.NewMapOf[topology.MemberID, *Local](),
		delays:   xsync.NewMapOf[topology.MemberID, time.Duration](),
		silenced: xsync.NewMapOf[topology.MemberID, bool](),
	}
}

// Join adds a member. Joining with the id of a live member fails with a
// cluster view mismatch.
func (n *Network) Join(id topology.MemberID) (*Local, error) {
	n.mu.Lock()
	if n.view.Contains(id) {
		n.mu.Unlock()
		return nil, errs.ViewMismatch(string(id), "a member with this id is already part of %s", n.view)
	}
	l := &Local{
		net:  n,
		id:   id,
		subs: xsync.NewMapOf[uint64, func(topology.View)](),
	}
	n.members.Store(id, l)
	n.view = n.view.With(id)
	view := n.view
	n.mu.Unlock()

	log.Infof("%s joined, new view %s", id, view)
	n.notify(view)
	return l, nil
}

// View returns the current view
func (n *Network) View() topology.View {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.view
}

func (n *Network) leave(id topology.MemberID) {
	n.mu.Lock()
	if !n.view.Contains(id) {
		n.mu.Unlock()
		return
	}
	n.members.Delete(id)
	n.view = n.view.Without(id)
	view := n.view
	n.mu.Unlock()

	log.Infof("%s left, new view %s", id, view)
	n.notify(view)
}

// Crash removes a member without it taking part in any protocol
func (n *Network) Crash(id topology.MemberID) {
	if l, ok := n.members.Load(id); ok {
		l.closed.Store(true)
	}
	n.leave(id)
}

func (n *Network) notify(view topology.View) {
	n.members.Range(func(_ topology.MemberID, l *Local) bool {
		l.subs.Range(func(_ uint64, fn func(topology.View)) bool {
			fn(view)
			return true
		})
		return true
	})
}

// SetDelay delays every delivery to id by d
func (n *Network) SetDelay(id topology.MemberID, d time.Duration) {
	if d <= 0 {
		n.delays.Delete(id)
		return
	}
	n.delays.Store(id, d)
}

// Silence makes id stop answering: sends to it block until the sender's context ends
func (n *Network) Silence(id topology.MemberID, silent bool) {
	if !silent {
		n.silenced.Delete(id)
		return
	}
	n.silenced.Store(id, true)
}

func (n *Network) roundTrip(msg *Message) (*Message, error) {
	if n.codec == nil || msg == nil {
		return msg, nil
	}
	b, err := n.codec.Serialize(*msg)
	if err != nil {
		return nil, errors.Wrapf(err, "serialize %s", msg.MsgType)
	}
	out := &Message{}
	if err := n.codec.Deserialize(b, out); err != nil {
		return nil, errors.Wrapf(err, "deserialize %s", msg.MsgType)
	}
	return out, nil
}

func (n *Network) deliver(ctx context.Context, from topology.MemberID, to topology.MemberID, req *Message) (*Message, error) {
	target, ok := n.members.Load(to)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMember, "%s", to)
	}
	if silent, _ := n.silenced.Load(to); silent && to != from {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d, ok := n.delays.Load(to); ok && to != from {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h := target.handler()
	if h == nil {
		return nil, errors.Wrapf(ErrNoHandler, "%s", to)
	}
	req.From = from
	wireReq, err := n.roundTrip(req)
	if err != nil {
		return nil, err
	}
	resp := h(ctx, wireReq)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.roundTrip(resp)
}

// --------------------------------------------------------------------------
// Member endpoint
// --------------------------------------------------------------------------

// Local is a member's endpoint on a Network
type Local struct {
	net *Network
	id  topology.MemberID

	mu     sync.RWMutex
	h      Handler
	closed atomic.Bool

	subs   *xsync.MapOf[uint64, func(topology.View)]
	nextID atomic.Uint64
}

func (l *Local) handler() Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.h
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.Transport)
// --------------------------------------------------------------------------

func (l *Local) Self() topology.MemberID {
	return l.id
}

func (l *Local) View() topology.View {
	return l.net.View()
}

func (l *Local) Send(ctx context.Context, to topology.MemberID, req *Message) (*Message, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	return l.net.deliver(ctx, l.id, to, req)
}

func (l *Local) SetHandler(h Handler) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
}

func (l *Local) Subscribe(fn func(topology.View)) func() {
	id := l.nextID.Add(1)
	l.subs.Store(id, fn)
	return func() { l.subs.Delete(id) }
}

func (l *Local) Leave() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.net.leave(l.id)
	return nil
}
