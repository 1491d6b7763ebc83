// Package container implements the versioned in-memory data container of a grid node.
//
// The container is the source of truth for live reads. Keys are spread over
// shards, each backed by an xsync.MapOf, so every operation on a key runs
// atomically inside the map's Compute while operations on other keys proceed
// without blocking.
//
// Versions: every Put asks the node's version.Generator for a version strictly
// greater than the key's previous one. PutVersioned installs a version issued
// elsewhere (durable store preload, replica apply) and ratchets the generator,
// so versions of a key only ever grow, also across Remove, expiry, and Clear.
//
// Expiry: entries carry a lifespan and a max-idle. Expired entries read as
// absent and are dropped lazily on access; a background sweep removes the rest
// using a per-shard deadline heap.
package container
