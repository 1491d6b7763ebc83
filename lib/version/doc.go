// Package version implements entry versions and the per-node version generator.
//
// An EntryVersion is a (view generation, sequence) pair. Versions of the same key
// are totally ordered, and because every committed write carries the version
// chosen by the committing node, replicas and the durable store hold identical
// stamps for the same write.
package version
