// Package client implements the RPC clients of a grid member.
//
// Key Components:
//
//   - RPCCache: single key reads and writes, view queries and shutdown
//     requests on the client channel of a member. Failures come back as
//     *errs.Error values with the code the member reported, so callers can
//     use errs.Is and Error.Retryable exactly like in process.
//
//   - PeerClient: raw protocol round trips on the peer channel, used by the
//     gossip transport to reach other members.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Transport: common.TransportConfig{
//	    Endpoints:  []string{"localhost:8080"},
//	    RetryCount: 3,
//	  },
//	  TimeoutSecond: 5,
//	}
//
//	cache, err := client.NewRPCCache(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//	  log.Fatalf("Failed to connect: %v", err)
//	}
//	defer cache.Close()
//
//	if err := cache.Put(ctx, "key", []byte("value"), time.Hour); err != nil {
//	  ...
//	}
//	value, ok, err := cache.Get(ctx, "key")
package client
