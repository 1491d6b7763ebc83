// Package txn implements the transactional consistency engine: per
// transaction read and write sets, optimistic write skew detection and the
// two phase commit that replicates a write set to every member of the view.
//
// A Transaction moves ACTIVE -> PREPARING -> COMMITTED | ROLLED_BACK.
// While ACTIVE, reads record the version seen on first access and writes are
// buffered without touching the container. Commit fences the write keys
// cluster-wide, validates them locally, prepares them on every replica (each
// replica validates again against its own container) and only then persists
// and applies. Any conflict, replica failure or prepare timeout rolls the
// transaction back on every member; nothing is applied anywhere.
//
// Versions are assigned by the committing member while it holds the fence and
// shipped with the commit, so every replica stores the same version for a key.
//
// Errors are *errs.Error values:
//
//	errs.RetCWriteSkewConflict     a read version is stale (retryable)
//	errs.RetCReplicaPrepareFailure a replica failed the prepare
//	errs.RetCReplicaTimeout        a replica did not answer within PrepareTimeout (retryable)
//	errs.RetCLockTimeout           the keys could not be fenced in time (retryable)
//	errs.RetCPersistenceFailure    the store failed; see Options.Strict
//	errs.RetCNotAccepting          the node is draining
package txn
