package unix

import (
	"net"
	"os"
	"time"

	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/ValentinKolb/dGrid/rpc/transport/base"
	"github.com/cockroachdb/errors"
)

const (
	network           = "unix"
	defaultBufferSize = 64 * 1024
	dialTimeout       = 5 * time.Second
)

// NewUnixServerTransport serves members and clients on the same host over a socket file
func NewUnixServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, defaultBufferSize)
}

// NewUnixClientTransport connects to a NewUnixServerTransport
func NewUnixClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}

// --------------------------------------------------------------------------
// Server side (docu see base.IServerConnector)
// --------------------------------------------------------------------------

type serverConnector struct{}

func (c *serverConnector) GetName() string {
	return network
}

// Listen binds the socket file, replacing one left by a previous process
func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	path := config.Transport.Endpoint
	if err := os.RemoveAll(path); err != nil {
		return nil, errors.Wrapf(err, "failed to remove stale socket %s", path)
	}
	listener, err := net.Listen(network, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", path)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(net.Conn, common.ServerConfig) error {
	return nil
}

// --------------------------------------------------------------------------
// Client side (docu see base.IClientConnector)
// --------------------------------------------------------------------------

type clientConnector struct{}

func (c *clientConnector) GetName() string {
	return network
}

func (c *clientConnector) Connect(endpoint string) (net.Conn, error) {
	conn, err := net.DialTimeout(network, endpoint, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", endpoint)
	}
	return conn, nil
}

func (c *clientConnector) UpgradeConnection(net.Conn, common.ClientConfig) error {
	return nil
}
