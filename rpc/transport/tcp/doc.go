// Package tcp implements the rpc transport over TCP sockets. Grid members
// exchange their protocol messages over it, and clients on other hosts use it
// for cache operations.
//
// The connectors set TCP_NODELAY, keep-alive and linger from the
// TransportConfig; framing, pooling and retries come from the base package.
// The server reads frames into 512 KB buffers.
package tcp
