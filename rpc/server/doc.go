// Package server exposes a grid member on an rpc transport.
//
// One listener carries two kinds of traffic, told apart by the channel of
// each frame:
//
//   - transport.ChannelPeer: the member-to-member protocol (key fence,
//     transaction prepare/commit/rollback, restart reconciliation, state
//     transfer and coordinated shutdown). Requests are handed unchanged to the
//     group transport, which dispatches them to the node.
//
//   - transport.ChannelClient: single key reads and writes, view queries and
//     cluster shutdown requests from clients. NewClientAdapter restricts this
//     channel to those operations and runs them as the configured subject, so
//     authorization applies exactly like for in-process callers.
//
// Usage Example:
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//	s.Handle(transport.ChannelPeer, peers.Deliver)
//	s.Handle(transport.ChannelClient, server.NewClientAdapter(node, config.ClientSubject))
//
//	go func() {
//	  if err := s.Serve(); err != nil {
//	    log.Fatalf("Server error: %v", err)
//	  }
//	}()
//
// Requests that fail to decode, or arrive on a channel without handler, are
// answered with an InvalidOperation error message. Handlers run concurrently
// (see TransportConfig.WorkersPerConn); Close cancels the context of every
// request still running.
package server
