package grid

import (
	"context"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/ValentinKolb/dGrid/lib/txn"
)

// Tx is a transaction begun on a node. Its operations are authorized as the
// subject of the context they are called with.
type Tx struct {
	n  *Node
	tx *txn.Transaction
}

// Begin opens a transaction. It fails with errs.RetCNotAccepting while the
// node is not running.
func (n *Node) Begin(ctx context.Context) (*Tx, error) {
	tx, err := n.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{n: n, tx: tx}, nil
}

// Transaction returns the underlying transaction
func (t *Tx) Transaction() *txn.Transaction {
	return t.tx
}

// Get reads key. Expired entries are absent.
func (t *Tx) Get(ctx context.Context, key string) (container.Entry, bool, error) {
	if err := t.n.auth.Check(ctx, security.PermRead); err != nil {
		return container.Entry{}, false, err
	}
	return t.n.tx.Get(ctx, t.tx, key)
}

// Put writes key with the expiry settings of meta
func (t *Tx) Put(ctx context.Context, key string, value []byte, meta container.Metadata) error {
	if err := t.n.auth.Check(ctx, security.PermWrite); err != nil {
		return err
	}
	return t.n.tx.Put(ctx, t.tx, key, value, meta)
}

// Remove deletes key
func (t *Tx) Remove(ctx context.Context, key string) error {
	if err := t.n.auth.Check(ctx, security.PermWrite); err != nil {
		return err
	}
	return t.n.tx.Remove(ctx, t.tx, key)
}

// Commit runs the commit protocol and returns once the transaction is
// committed or rolled back everywhere
func (t *Tx) Commit(ctx context.Context) error {
	return t.n.tx.Commit(ctx, t.tx)
}

// CommitAsync starts the commit and returns its handle
func (t *Tx) CommitAsync(ctx context.Context) *txn.Pending {
	return t.n.tx.CommitAsync(ctx, t.tx)
}

// Rollback discards the transaction. It is idempotent.
func (t *Tx) Rollback(ctx context.Context) error {
	return t.n.tx.Rollback(ctx, t.tx)
}

// --------------------------------------------------------------------------
// Single operation transactions
// --------------------------------------------------------------------------

// Get reads the value of key in its own transaction
func (n *Node) Get(ctx context.Context, key string) ([]byte, bool, error) {
	tx, err := n.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer n.tx.Release(context.Background(), tx.tx)
	e, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return e.Value, true, nil
}

// Put writes key in its own transaction
func (n *Node) Put(ctx context.Context, key string, value []byte, meta container.Metadata) error {
	return n.autoCommit(ctx, func(tx *Tx) error {
		return tx.Put(ctx, key, value, meta)
	})
}

// Remove deletes key in its own transaction
func (n *Node) Remove(ctx context.Context, key string) error {
	return n.autoCommit(ctx, func(tx *Tx) error {
		return tx.Remove(ctx, key)
	})
}

func (n *Node) autoCommit(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := n.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(context.Background())
		return err
	}
	return tx.Commit(ctx)
}
