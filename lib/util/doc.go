// Package util provides small building blocks shared by the grid components.
//
// The package contains:
//   - mapheap: a keyed min-heap used to schedule entry expiry
//   - functions: seeded FNV-1a hashing and shard selection
//   - statistics: shard distribution statistics and a value size histogram
package util
