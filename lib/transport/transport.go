package transport

import (
	"context"

	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("transport")

var (
	// ErrUnknownMember is returned when sending to a member that is not part of the view
	ErrUnknownMember = errors.New("unknown member")
	// ErrNoHandler is returned when the receiver did not register a handler yet
	ErrNoHandler = errors.New("member has no handler")
	// ErrClosed is returned by a transport after Leave
	ErrClosed = errors.New("transport closed")
)

// Handler processes a request and returns the response. It is called
// concurrently and must honour ctx for blocking work.
type Handler func(ctx context.Context, req *Message) *Message

// Codec encodes messages for the wire (satisfied by the rpc serializers)
type Codec interface {
	Serialize(msg Message) ([]byte, error)
	Deserialize(b []byte, msg *Message) error
}

// Transport is the group communication a member uses. The grid never opens
// sockets itself; every remote interaction goes through a Transport.
type Transport interface {
	// Self returns the local member id
	Self() topology.MemberID

	// View returns the current view. Members are in join order.
	View() topology.View

	// Send delivers req to one member and waits for its response.
	// Sending to Self invokes the local handler. The returned error only
	// reports delivery failures; remote failures are carried in the response.
	Send(ctx context.Context, to topology.MemberID, req *Message) (*Message, error)

	// SetHandler installs the handler for incoming requests
	SetHandler(h Handler)

	// Subscribe registers fn for view changes and returns a function that removes it
	Subscribe(fn func(topology.View)) (unsubscribe func())

	// Leave removes the local member from the group
	Leave() error
}

// Reply is the outcome of one send of a broadcast
type Reply struct {
	Member topology.MemberID
	Msg    *Message
	Err    error
}

// Failed reports whether delivery failed or the member answered with an error
func (r Reply) Failed() bool {
	return r.Err != nil || r.Msg.AsError() != nil
}

// Broadcast sends a copy of req to every member and waits for all replies.
// The replies are in the order of members.
func Broadcast(ctx context.Context, t Transport, members []topology.MemberID, req *Message) []Reply {
	replies := make([]Reply, len(members))
	var g errgroup.Group
	for i, m := range members {
		i, m := i, m
		msg := *req
		g.Go(func() error {
			resp, err := t.Send(ctx, m, &msg)
			replies[i] = Reply{Member: m, Msg: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return replies
}

// BroadcastFailFast sends req to every member and cancels the outstanding
// sends as soon as one reply failed. It returns all replies received so far
// and the first failed one.
func BroadcastFailFast(ctx context.Context, t Transport, members []topology.MemberID, req *Message) ([]Reply, *Reply) {
	replies := make([]Reply, len(members))
	g, gctx := errgroup.WithContext(ctx)
	failed := make(chan int, len(members))
	for i, m := range members {
		i, m := i, m
		msg := *req
		g.Go(func() error {
			resp, err := t.Send(gctx, m, &msg)
			replies[i] = Reply{Member: m, Msg: resp, Err: err}
			if replies[i].Failed() {
				failed <- i
				return errors.Newf("member %s failed", m)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(failed)
	if i, ok := <-failed; ok {
		first := replies[i]
		return replies, &first
	}
	return replies, nil
}
