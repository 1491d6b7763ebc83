// Package grid assembles one member of a replicated data grid.
//
// A Node owns the member's container, persistence adapter, key fence,
// transaction coordinator and membership coordinator, plus the optional
// indexing notifier, task manager and authorizer. Nothing is shared between
// nodes through package state; several nodes can live in one process, which
// is how the multi-node tests run on a transport.Network.
//
// Typical use:
//
//	backend, _ := grid.OpenBackend(cfg.Store)
//	node, _ := grid.NewNode(t, backend, cfg)
//	if err := node.Start(ctx); err != nil { ... }
//
//	tx, _ := node.Begin(ctx)
//	e, ok, _ := tx.Get(ctx, "k")
//	_ = tx.Put(ctx, "k", []byte("v"), container.WithLifespan(time.Hour))
//	err := tx.Commit(ctx) // errs.RetCWriteSkewConflict when k changed meanwhile
//
// Node.Stop and Node.Start stop and restart the local cache only. Node.Shutdown
// runs the coordinated shutdown of the whole grid; the next Start of every
// member then follows the restart protocol.
package grid
