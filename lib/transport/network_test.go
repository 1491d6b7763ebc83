package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo answers pings and fails every other request with the key it received
func echo(self topology.MemberID) transport.Handler {
	return func(ctx context.Context, req *transport.Message) *transport.Message {
		if req.MsgType == transport.MsgTPing {
			resp := transport.NewResponse(transport.MsgTSuccess)
			resp.Member = string(self)
			resp.Key = string(req.From)
			return resp
		}
		return transport.NewErrorResponse(transport.MsgTError, errs.WriteSkew(req.Key))
	}
}

func join(t *testing.T, n *transport.Network, ids ...topology.MemberID) []*transport.Local {
	out := make([]*transport.Local, len(ids))
	for i, id := range ids {
		l, err := n.Join(id)
		require.NoError(t, err)
		l.SetHandler(echo(id))
		out[i] = l
	}
	return out
}

func TestJoinOrderAndDuplicates(t *testing.T) {
	n := transport.NewNetwork(nil)
	members := join(t, n, "a", "b", "c")

	v := members[2].View()
	assert.Equal(t, []topology.MemberID{"a", "b", "c"}, v.Members)
	assert.True(t, v.IsCoordinator("a"))

	_, err := n.Join("b")
	assert.True(t, errs.Is(err, errs.RetCClusterViewMismatch))

	require.NoError(t, members[0].Leave())
	require.NoError(t, members[0].Leave(), "leave is idempotent")
	assert.True(t, n.View().IsCoordinator("b"))

	// the id is free again once the member left
	_, err = n.Join("a")
	assert.NoError(t, err)
	assert.Equal(t, []topology.MemberID{"b", "c", "a"}, n.View().Members)
}

func TestSendSetsSenderAndSerializes(t *testing.T) {
	for _, name := range []string{"json", "gob", "binary"} {
		t.Run(name, func(t *testing.T) {
			s, err := serializer.ByName(name)
			require.NoError(t, err)
			n := transport.NewNetwork(s)
			members := join(t, n, "a", "b")

			resp, err := members[0].Send(context.Background(), "b", &transport.Message{MsgType: transport.MsgTPing})
			require.NoError(t, err)
			assert.NoError(t, resp.AsError())
			assert.Equal(t, "b", resp.Member)
			assert.Equal(t, "a", resp.Key)

			resp, err = members[0].Send(context.Background(), "b", &transport.Message{MsgType: transport.MsgTTxPrepare, Key: "k"})
			require.NoError(t, err)
			rerr := resp.AsError()
			assert.True(t, errs.Is(rerr, errs.RetCWriteSkewConflict))
			var e *errs.Error
			require.ErrorAs(t, rerr, &e)
			assert.Equal(t, "k", e.Key)
		})
	}
}

func TestSendFailures(t *testing.T) {
	n := transport.NewNetwork(nil)
	members := join(t, n, "a")

	_, err := members[0].Send(context.Background(), "ghost", &transport.Message{MsgType: transport.MsgTPing})
	assert.ErrorIs(t, err, transport.ErrUnknownMember)

	silent, err := n.Join("mute")
	require.NoError(t, err)
	_, err = members[0].Send(context.Background(), "mute", &transport.Message{MsgType: transport.MsgTPing})
	assert.ErrorIs(t, err, transport.ErrNoHandler)
	silent.SetHandler(echo("mute"))

	n.Silence("mute", true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = members[0].Send(ctx, "mute", &transport.Message{MsgType: transport.MsgTPing})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	n.Silence("mute", false)

	n.Crash("a")
	_, err = members[0].Send(context.Background(), "mute", &transport.Message{MsgType: transport.MsgTPing})
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.False(t, n.View().Contains("a"))
}

func TestDelayHonoursContext(t *testing.T) {
	n := transport.NewNetwork(nil)
	members := join(t, n, "a", "b")
	n.SetDelay("b", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := members[0].Send(ctx, "b", &transport.Message{MsgType: transport.MsgTPing})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// self delivery is never delayed
	_, err = members[1].Send(context.Background(), "b", &transport.Message{MsgType: transport.MsgTPing})
	assert.NoError(t, err)

	n.SetDelay("b", 0)
	_, err = members[0].Send(context.Background(), "b", &transport.Message{MsgType: transport.MsgTPing})
	assert.NoError(t, err)
}

func TestSubscribe(t *testing.T) {
	n := transport.NewNetwork(nil)
	members := join(t, n, "a")

	var (
		mu    sync.Mutex
		views []topology.View
	)
	unsubscribe := members[0].Subscribe(func(v topology.View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})
	join(t, n, "b")
	n.Crash("b")
	unsubscribe()
	join(t, n, "c")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, views, 2)
	assert.Equal(t, []topology.MemberID{"a", "b"}, views[0].Members)
	assert.Equal(t, []topology.MemberID{"a"}, views[1].Members)
	assert.Greater(t, views[1].ID, views[0].ID)
}

func TestBroadcast(t *testing.T) {
	n := transport.NewNetwork(nil)
	members := join(t, n, "a", "b", "c")

	replies := transport.Broadcast(context.Background(), members[0], []topology.MemberID{"a", "b", "c"},
		&transport.Message{MsgType: transport.MsgTPing})
	require.Len(t, replies, 3)
	for i, r := range replies {
		assert.False(t, r.Failed())
		assert.Equal(t, members[i].Self(), r.Member)
		assert.Equal(t, string(r.Member), r.Msg.Member)
	}
}

func TestBroadcastFailFastCancelsOthers(t *testing.T) {
	n := transport.NewNetwork(nil)
	members := join(t, n, "a", "b", "c")
	n.Silence("c", true)

	start := time.Now()
	replies, failed := transport.BroadcastFailFast(context.Background(), members[0], []topology.MemberID{"b", "c"},
		&transport.Message{MsgType: transport.MsgTTxPrepare, Key: "k"})
	require.NotNil(t, failed)
	assert.Equal(t, topology.MemberID("b"), failed.Member)
	assert.True(t, errs.Is(failed.Msg.AsError(), errs.RetCWriteSkewConflict))
	assert.ErrorIs(t, replies[1].Err, context.Canceled, "the silent member is abandoned")
	assert.Less(t, time.Since(start), time.Second)

	n.Silence("c", false)
	_, failed = transport.BroadcastFailFast(context.Background(), members[0], []topology.MemberID{"b", "c"},
		&transport.Message{MsgType: transport.MsgTPing})
	assert.Nil(t, failed)
}
