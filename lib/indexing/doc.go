// Package indexing hands committed writes and removals to a search
// subsystem without ever slowing down or failing a commit.
//
// A Notifier is installed as the transaction listener of a node. Every
// committed write set is queued and a worker feeds it to the Indexer.
// Failures, including dropped documents when the queue is full, go to a
// FailureHandler and are counted; they never reach the commit path.
//
// Reindex indexes a whole container and reports progress. Counters and the
// indexing rate live in a go-metrics registry (Notifier.Registry).
package indexing
