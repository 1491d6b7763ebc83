// Package rpc carries grid traffic between processes.
//
// One listener per member serves two channels:
//
//   - peer: protocol messages between members (prepare, commit, locks,
//     formation, shutdown). The gossip transport sends them here.
//
//   - client: cache operations of remote clients (get, put, remove, view,
//     shutdown), executed on the member as the configured client subject.
//
// Subpackages:
//
//   - common: member and client configuration, the logger factory.
//   - serializer: binary, JSON and GOB codecs of transport.Message.
//   - transport: framed request/response over TCP, Unix sockets or HTTP.
//   - server: channel dispatch on the member.
//   - client: the remote cache and the peer client.
package rpc
