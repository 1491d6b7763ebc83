// Package base holds the framing shared by the tcp and unix transports.
//
// Every frame is a header (channel, request id, payload length) followed by
// the payload. The channel tells the server which handler receives the
// payload; the request id pairs a response with its request, so one
// connection carries many requests at once.
//
// A transport-specific connector (IClientConnector, IServerConnector) opens
// and tunes the sockets. Everything else lives here:
//
//   - clientTransport keeps ConnectionsPerEndpoint connections per endpoint,
//     picks one round-robin per request, retries failed attempts with jittered
//     exponential backoff and reconnects a broken connection. A broken
//     connection fails every request waiting on it.
//
//   - serverTransport accepts connections and runs up to WorkersPerConn
//     requests of each connection concurrently. Read buffers come from a
//     sync.Pool. Idle connections are never timed out; members keep their
//     peer connections open between transactions.
//
// Close on either side stops the reader goroutines and closes every open
// connection.
package base
