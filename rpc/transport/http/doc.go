// Package http implements the rpc transport over plain HTTP.
//
// A request is a POST to /{channel} with the serialized message as body;
// the response body is the serialized answer. The server routes with
// gorilla/mux. The client spreads requests round-robin over its endpoints
// and retries failed attempts.
//
// Endpoints must carry the scheme (http://host:port). A member using this
// transport publishes such an address to the other members.
//
// HTTP opens no persistent multiplexed connection, so it is slower than the
// tcp transport; it is meant for setups where only HTTP passes between hosts.
package http
