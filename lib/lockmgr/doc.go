// Package lockmgr implements the key locks that fence commit validation.
//
// Two layers:
//
//   - ILockManager: a lock table keyed by string. NewLockManager keeps it in
//     a sharded map; a lock is taken only if the key is unset or its lease
//     ran out, and only the owner (identified by a random UUID handed out on
//     acquire) may release it.
//
//   - Fence: cluster-wide mutual exclusion for the keys of a transaction.
//     The lock table used is the one on the coordinator of the current view,
//     so two members can never validate the same key at the same time.
//
// Implementation Approach:
//
//	Key sets are sorted and granted all-or-nothing. A rejected attempt
//	releases everything it took and is retried with exponential backoff
//	until FenceOptions.Timeout, after which Acquire fails with
//	errs.RetCLockTimeout. Every granted lock carries a lease so the keys of
//	a member that crashed while committing become free again.
//
//	When the view changes while locks are held, the new coordinator starts
//	with an empty table. Holders finish and release against the old
//	coordinator (or wait for the lease); new acquisitions go to the new one.
//
// Usage Example:
//
//	fence := lockmgr.NewFence(member, lockmgr.FenceOptions{Timeout: time.Second})
//	member.SetHandler(fence.Handle) // usually through a dispatcher
//
//	guard, err := fence.Acquire(ctx, txID, []string{"a", "b"})
//	if err != nil {
//	    return err // errs.RetCLockTimeout or ctx error
//	}
//	defer guard.Release(ctx)
package lockmgr
