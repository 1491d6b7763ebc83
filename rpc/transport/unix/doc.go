// Package unix implements the rpc transport over Unix domain sockets.
// Members talk to each other over TCP; a Unix socket serves clients, such as
// the dgrid kv commands, that run on the member's host.
//
// Only the connectors live here. Framing, pooling and retries come from the
// base package. The server removes a stale socket file before listening and
// reads frames into 64 KB buffers.
package unix
