// Package transport defines the group communication the grid consumes and
// the protocol message exchanged between members.
//
// The grid never opens sockets itself. A member talks to the rest of the
// cluster through a Transport: point to point Send, the current View and
// membership change notifications. Broadcast and BroadcastFailFast build the
// replication fan-out on top of Send.
//
// Implementations:
//
//   - Network / Local: an in-process group. Every member of a Network sees the
//     same view, messages are delivered by calling the receiver's handler and,
//     when a Codec is configured, pass through a full serialize/deserialize
//     cycle. Delays and unresponsive members can be injected for tests.
//
//   - gossip.Transport: memberlist for membership plus the rpc stack for
//     request/response between processes.
//
// Errors returned by Send only report delivery problems (unknown member,
// closed transport, context expiry). Failures of the remote operation travel
// inside the response Message (Code, Err, Key, Member) and are rebuilt with
// Message.AsError.
package transport
