// Package transport defines the byte level transports between grid members
// and from clients to members.
//
// A transport moves opaque frames; the rpc serializers turn them into
// transport.Message values of the grid. Every frame belongs to a channel
// (ChannelPeer for member to member messages, ChannelClient for cache
// operations of clients) so one listener serves both.
//
// Key Components:
//
//   - IRPCClientTransport: connection management and request sending.
//
//   - IRPCServerTransport: accepts requests and hands them to the registered
//     ServerHandleFunc.
//
// Implementations live in the tcp, unix and http packages; tcp and unix share
// the framing of the base package.
package transport
