package lockmgr

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("lockmgr")

// FenceOptions configures a Fence
type FenceOptions struct {
	Timeout time.Duration // how long Acquire keeps retrying (default 10s)
	Lease   time.Duration // lease of every granted lock; frees the keys of a crashed holder (default 30s)
	Backoff time.Duration // first retry delay, doubled up to 16x (default 2ms)
}

func (o FenceOptions) withDefaults() FenceOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Millisecond
	}
	return o
}

type heldLock struct {
	key   string
	owner []byte
}

// Fence provides cluster-wide key level mutual exclusion for commits.
//
// The lock table lives on the coordinator of the current view. A member that
// is not the coordinator acquires keys with MsgTLCKAcquire and releases them
// with MsgTLCKRelease; the coordinator serves these requests through Handle
// and acquires for itself without a round trip. A whole key set is granted
// atomically per attempt: either every key is locked for the transaction or
// none is, so competing transactions never hold parts of each other's sets.
type Fence struct {
	t     transport.Transport
	locks ILockManager
	opts  FenceOptions

	// locks granted by this member while it coordinates, per transaction id
	held *xsync.MapOf[string, []heldLock]
}

// NewFence creates a fence for the member behind t
func NewFence(t transport.Transport, opts FenceOptions) *Fence {
	return &Fence{
		t:     t,
		locks: NewLockManager(),
		opts:  opts.withDefaults(),
		held:  xsync.NewMapOf[string, []heldLock](),
	}
}

// Guard is a granted key set. Release it exactly once after the commit applied.
type Guard struct {
	f     *Fence
	txID  string
	host  topology.MemberID
	keys  []string
	Waits int // number of rejected attempts before the grant
}

// Acquire locks keys for txID and blocks until they are granted, the fence
// timeout elapses (errs.RetCLockTimeout) or ctx ends.
func (f *Fence) Acquire(ctx context.Context, txID string, keys []string) (*Guard, error) {
	keys = sortedKeys(keys)
	if len(keys) == 0 {
		return &Guard{f: f, txID: txID, host: f.t.Self()}, nil
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	backoff := f.opts.Backoff
	for attempt := 0; ; attempt++ {
		host, ok := f.t.View().Coordinator()
		if !ok {
			return nil, errs.New(errs.RetCNotAccepting, "no coordinator in view")
		}
		granted, err := f.try(ctx, host, txID, keys)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			log.Debugf("acquire for %s on %s failed: %v", txID, host, err)
		}
		if granted {
			return &Guard{f: f, txID: txID, host: host, keys: keys, Waits: attempt}, nil
		}

		// exponential backoff with a small random jitter (+-10%)
		jitter := time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64()))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				return nil, errors.WithStack(err)
			}
			return nil, &errs.Error{Code: errs.RetCLockTimeout, Key: keys[0],
				Msg: fmt.Sprintf("keys [%s] not granted within %v", strings.Join(keys, ","), f.opts.Timeout)}
		}
		if backoff < 16*f.opts.Backoff {
			backoff *= 2
		}
	}
}

func (f *Fence) try(ctx context.Context, host topology.MemberID, txID string, keys []string) (bool, error) {
	if host == f.t.Self() {
		return f.grant(txID, keys)
	}
	resp, err := f.t.Send(ctx, host, &transport.Message{
		MsgType:   transport.MsgTLCKAcquire,
		TxID:      txID,
		Keys:      keys,
		TimeoutMs: f.opts.Lease.Milliseconds(),
	})
	if err != nil {
		return false, err
	}
	if err := resp.AsError(); err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// grant locks every key for txID or none of them
func (f *Fence) grant(txID string, keys []string) (bool, error) {
	return f.grantWithLease(txID, keys, uint64(f.opts.Lease.Milliseconds()))
}

func (f *Fence) grantWithLease(txID string, keys []string, leaseMs uint64) (bool, error) {
	acquired := make([]heldLock, 0, len(keys))
	for _, key := range keys {
		ok, owner, err := f.locks.AcquireLock(key, leaseMs)
		if err != nil || !ok {
			f.releaseAll(acquired)
			return false, err
		}
		acquired = append(acquired, heldLock{key: key, owner: owner})
	}
	f.held.Compute(txID, func(old []heldLock, loaded bool) ([]heldLock, bool) {
		return append(old, acquired...), false
	})
	return true, nil
}

func (f *Fence) releaseAll(locks []heldLock) {
	for _, l := range locks {
		if _, err := f.locks.ReleaseLock(l.key, l.owner); err != nil {
			log.Warningf("release of %q failed: %v", l.key, err)
		}
	}
}

// revoke releases everything this member granted to txID
func (f *Fence) revoke(txID string) {
	if locks, ok := f.held.LoadAndDelete(txID); ok {
		f.releaseAll(locks)
	}
}

// Release frees the guarded keys on the member that granted them.
// A lost release is not fatal: the lease frees the keys eventually.
func (g *Guard) Release(ctx context.Context) {
	if g.host == g.f.t.Self() {
		g.f.revoke(g.txID)
		return
	}
	resp, err := g.f.t.Send(ctx, g.host, &transport.Message{
		MsgType: transport.MsgTLCKRelease,
		TxID:    g.txID,
		Keys:    g.keys,
	})
	if err == nil {
		err = resp.AsError()
	}
	if err != nil {
		log.Warningf("release of %d keys for %s on %s failed, waiting for the lease: %v", len(g.keys), g.txID, g.host, err)
	}
}

// Keys returns the guarded keys in acquisition order
func (g *Guard) Keys() []string {
	return g.keys
}

// Handle serves lock requests of other members. A member that does not
// coordinate the view rejects acquisitions so the sender retries against the
// current coordinator.
func (f *Fence) Handle(_ context.Context, req *transport.Message) *transport.Message {
	switch req.MsgType {
	case transport.MsgTLCKAcquire:
		resp := transport.NewResponse(transport.MsgTSuccess)
		if !f.t.View().IsCoordinator(f.t.Self()) {
			return resp
		}
		leaseMs := uint64(f.opts.Lease.Milliseconds())
		if req.TimeoutMs > 0 {
			leaseMs = uint64(req.TimeoutMs)
		}
		ok, err := f.grantWithLease(req.TxID, sortedKeys(req.Keys), leaseMs)
		if err != nil {
			return transport.NewErrorResponse(transport.MsgTError, errs.Wrap(errs.RetCInternalError, err, "acquire"))
		}
		resp.Ok = ok
		return resp
	case transport.MsgTLCKRelease:
		f.revoke(req.TxID)
		resp := transport.NewResponse(transport.MsgTSuccess)
		resp.Ok = true
		return resp
	default:
		return transport.NewErrorResponse(transport.MsgTError, errs.Newf(errs.RetCInvalidOperation, "unexpected %s for the lock manager", req.MsgType))
	}
}

// Held returns the number of transactions holding locks granted by this member
func (f *Fence) Held() int {
	return f.held.Size()
}
