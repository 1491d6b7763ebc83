// Package persistence implements the durable side of the grid: the store record
// codec, the Backend abstraction and the Adapter that the transaction layer and
// the cluster coordinator use to write, load and preload committed entries.
//
// Record format:
//
//	Every committed entry is stored as an encoded StoreRecord under its key.
//	The encoding carries the entry version, lifespan, max-idle and creation time
//	so that a restarted node preloads entries with the versions and the remaining
//	lifespan they had before the shutdown.
//
// Write modes:
//
//   - WriteThrough: Adapter.Write returns after the backend accepted the record.
//     A failing backend surfaces as errs.RetCPersistenceFailure to the committer.
//
//   - WriteBehind: writes are queued, coalesced per key and flushed in batches.
//     Flush failures are retried on the next flush and reported through
//     Options.OnFailure because no caller waits for them.
//
// Backends:
//
// The backend sub-packages provide a btree backed memory store, an append-only
// file log, a pebble LSM store and a raft replicated store. All of them pass the
// conformance suite in persistence/testing.
package persistence
