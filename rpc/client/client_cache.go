package client

import (
	"context"
	"time"

	"github.com/ValentinKolb/dGrid/lib/cluster"
	"github.com/ValentinKolb/dGrid/lib/container"
	lt "github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/transport"
)

// RPCCache accesses the cache of a grid member over its client channel.
// Every call is one auto-committed transaction on the member.
type RPCCache struct {
	rpcClientAdapter
}

// NewRPCCache connects transport and returns a cache client
func NewRPCCache(
	config common.ClientConfig,
	t transport.IRPCClientTransport,
	s serializer.IRPCSerializer,
) (*RPCCache, error) {
	a, err := newAdapter(transport.ChannelClient, config, t, s)
	if err != nil {
		return nil, err
	}
	return &RPCCache{a}, nil
}

// Get returns the value of key; ok is false when the key is absent
func (c *RPCCache) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	resp, err := c.invoke(ctx, &lt.Message{MsgType: lt.MsgTKVGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// Put stores value under key. A lifespan of zero stores an immortal entry.
func (c *RPCCache) Put(ctx context.Context, key string, value []byte, lifespan time.Duration) error {
	_, err := c.invoke(ctx, &lt.Message{
		MsgType:    lt.MsgTKVPut,
		Key:        key,
		Value:      value,
		LifespanMs: container.Millis(lifespan),
	})
	return err
}

// Remove deletes key
func (c *RPCCache) Remove(ctx context.Context, key string) error {
	_, err := c.invoke(ctx, &lt.Message{MsgType: lt.MsgTKVRemove, Key: key})
	return err
}

// View returns the view and phase of the member
func (c *RPCCache) View(ctx context.Context) (cluster.ViewInfo, error) {
	var info cluster.ViewInfo
	resp, err := c.invoke(ctx, &lt.Message{MsgType: lt.MsgTClusterView})
	if err != nil {
		return info, err
	}
	err = resp.DecodePayload(&info)
	return info, err
}

// Shutdown asks the member to run a graceful shutdown of the whole cluster.
// It returns once the member persisted its global state.
func (c *RPCCache) Shutdown(ctx context.Context) error {
	_, err := c.invoke(ctx, &lt.Message{MsgType: lt.MsgTShutdown})
	return err
}

// Ping checks that the member answers
func (c *RPCCache) Ping(ctx context.Context) error {
	_, err := c.invoke(ctx, &lt.Message{MsgType: lt.MsgTPing})
	return err
}
