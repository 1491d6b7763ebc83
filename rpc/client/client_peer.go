package client

import (
	"context"

	lt "github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/transport"
)

// PeerClient sends protocol messages to one other member
type PeerClient struct {
	rpcClientAdapter
}

// NewPeerClient connects transport to the member's endpoint
func NewPeerClient(
	config common.ClientConfig,
	t transport.IRPCClientTransport,
	s serializer.IRPCSerializer,
) (*PeerClient, error) {
	a, err := newAdapter(transport.ChannelPeer, config, t, s)
	if err != nil {
		return nil, err
	}
	return &PeerClient{a}, nil
}

// Send delivers req and returns the member's response as is.
// Failures reported by the member stay inside the response.
func (p *PeerClient) Send(ctx context.Context, req *lt.Message) (*lt.Message, error) {
	return p.roundTrip(ctx, req)
}
