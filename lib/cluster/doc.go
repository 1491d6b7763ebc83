// Package cluster keeps a member's view, its persisted global state and its
// container consistent across a coordinated shutdown and the next restart.
//
// Shutdown (run by the coordinator of the view, forwarded from any member):
//
//  1. MsgTShutdownDrain: every member stops admitting transactions and waits
//     for the ones in flight. Any failure resumes every member (MsgTShutdownAbort).
//  2. MsgTShutdownPersist: every member flushes its store, writes a GlobalState
//     holding the view and clears its container. The store keeps the data.
//
// Restart:
//
// Each member sends a Summary (has state, expected view) to the coordinator of
// the current view. Once every member of the view reported, the coordinator runs
// Reconcile and announces the Outcome with MsgTClusterFormed. A restart with
// exactly the persisted members succeeds in any join order. A member outside the
// persisted view fails its Start with errs.RetCClusterViewMismatch, whether it
// coordinates the view or not. Admitted members with state preload their
// container from the store; admitted members without state copy it from a
// running member (MsgTStateTransfer), in key ordered chunks of
// Options.TransferChunk entries.
//
// The coordinator is always the first member in join order.
package cluster
