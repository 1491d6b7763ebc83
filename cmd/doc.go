// Package cmd implements the command-line interface of dGrid. It provides a
// hierarchical command structure for running a grid member and for talking
// to a running grid.
//
// The package is organized into several subpackages:
//
//   - serve: starts a member (rpc server, gossip membership, node, admin endpoint)
//   - kv: single key operations against a member (put, get, del, perf)
//   - cluster: operator commands on the admin endpoint (view, shutdown, task)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dgrid -help for a list of all commands.
package cmd
