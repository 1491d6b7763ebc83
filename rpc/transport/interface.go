package transport

import (
	"context"
	"net"

	"github.com/ValentinKolb/dGrid/rpc/common"
)

// Channels multiplex the traffic of one connection. The channel of a request
// is echoed in its response frame.
const (
	// ChannelPeer carries the messages members exchange (prepare, commit, locks, lifecycle)
	ChannelPeer uint64 = 1
	// ChannelClient carries cache operations of clients
	ChannelClient uint64 = 2
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the channel and the request as parameters and returns a response
type ServerHandleFunc func(channel uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves requests until Close
	Listen(config common.ServerConfig) error
	// Addr returns the listening address, nil before Listen
	Addr() net.Addr
	// Close stops listening
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request on channel and returns the response
	Send(ctx context.Context, channel uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
