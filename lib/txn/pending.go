package txn

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Pending is the handle of an asynchronous commit
type Pending struct {
	tx   *Transaction
	done chan struct{}
	err  error
}

// CommitAsync starts the commit of tx and returns immediately.
// The ordering of the protocol is unchanged: the commit is only declared
// after every replica acknowledged the prepare.
func (c *Coordinator) CommitAsync(ctx context.Context, tx *Transaction) *Pending {
	p := &Pending{tx: tx, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = c.Commit(ctx, tx)
	}()
	return p
}

// Done is closed when the commit ended
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the commit ended and returns its outcome
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Cancel aborts the commit unless it already passed its commit point.
// It does not wait; Wait reports the outcome.
func (p *Pending) Cancel() {
	p.tx.mu.Lock()
	p.tx.requestAbortLocked()
	p.tx.mu.Unlock()
}

// Transaction returns the transaction being committed
func (p *Pending) Transaction() *Transaction {
	return p.tx
}
