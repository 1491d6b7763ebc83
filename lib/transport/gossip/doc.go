// Package gossip is the group transport of multi-process clusters.
//
// Membership is gossiped with hashicorp/memberlist. Every member publishes
// its rpc endpoint and the time it joined; the view lists the live members
// ordered by that time (ties broken by id), so every member agrees on the
// coordinator without extra rounds. Requests are sent to the receiver's rpc
// server on the peer channel, where Transport.Deliver hands them to the
// member's handler.
//
// View ids are local counters: two members can number the same member set
// differently.
package gossip
