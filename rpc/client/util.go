package client

import (
	"context"

	lt "github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
// Used by RPCCache and PeerClient with composition pattern
type rpcClientAdapter struct {
	channel    uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

func newAdapter(
	channel uint64,
	config common.ClientConfig,
	t transport.IRPCClientTransport,
	s serializer.IRPCSerializer,
) (rpcClientAdapter, error) {
	if err := t.Connect(config); err != nil {
		return rpcClientAdapter{}, err
	}
	return rpcClientAdapter{channel: channel, config: config, transport: t, serializer: s}, nil
}

// roundTrip sends req and decodes the response without interpreting it.
// The error only reports delivery failures.
func (a *rpcClientAdapter) roundTrip(ctx context.Context, req *lt.Message) (*lt.Message, error) {
	// Serialize the request
	reqBytes, err := a.serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	respBytes, err := a.transport.Send(ctx, a.channel, reqBytes)
	if err != nil {
		return nil, err
	}

	resp := &lt.Message{}
	if err := a.serializer.Deserialize(respBytes, resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}
	return resp, nil
}

// invoke sends req and converts failed responses into errors.
// This method also checks if the type of the response is the expected type
func (a *rpcClientAdapter) invoke(ctx context.Context, req *lt.Message) (*lt.Message, error) {
	resp, err := a.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}

	// Check if the response is an error response
	if err := resp.AsError(); err != nil {
		return nil, err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, errors.Newf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}
	return resp, nil
}

// Close closes the underlying transport
func (a *rpcClientAdapter) Close() error {
	return a.transport.Close()
}
