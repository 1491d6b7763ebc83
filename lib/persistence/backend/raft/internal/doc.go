// Package internal defines the raft log commands and state machine queries of the raft backend.
package internal
