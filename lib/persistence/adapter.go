package persistence

import (
	"iter"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("persistence")

// WriteMode selects when committed writes reach the backend
type WriteMode int

const (
	// WriteThrough writes synchronously; commit completion waits for the backend
	WriteThrough WriteMode = iota
	// WriteBehind queues writes and flushes them periodically
	WriteBehind
)

func (m WriteMode) String() string {
	if m == WriteBehind {
		return "write-behind"
	}
	return "write-through"
}

// ParseWriteMode parses the names returned by WriteMode.String
func ParseWriteMode(s string) (WriteMode, error) {
	switch s {
	case "write-through", "":
		return WriteThrough, nil
	case "write-behind":
		return WriteBehind, nil
	default:
		return WriteThrough, errors.Newf("unknown write mode %q", s)
	}
}

// Options configures an Adapter
type Options struct {
	Mode          WriteMode
	FlushInterval time.Duration    // write-behind flush interval
	MaxPending    int              // write-behind queue size that triggers an early flush
	Clock         func() time.Time // time source for expiry checks (nil = time.Now)
	OnFailure     func(error)      // called for every failure that has no synchronous caller (write-behind flushes)
}

// Adapter is the PersistentStoreAdapter: a uniform load/write/contains/preload
// interface over a Backend. Every backend failure surfaces as an errs.RetCPersistenceFailure.
type Adapter struct {
	backend  Backend
	mode     WriteMode
	now      func() time.Time
	behind   *writeBehind
	closed   atomic.Bool
	failures atomic.Uint64
}

// NewAdapter wraps backend
func NewAdapter(backend Backend, opts Options) *Adapter {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	a := &Adapter{
		backend: backend,
		mode:    opts.Mode,
		now:     clock,
	}
	if opts.Mode == WriteBehind {
		onFailure := func(err error) {
			a.failures.Add(1)
			if opts.OnFailure != nil {
				opts.OnFailure(errs.Persistence("", err))
			}
		}
		a.behind = newWriteBehind(backend, opts.MaxPending, opts.FlushInterval, onFailure)
	}
	return a
}

// Backend returns the wrapped backend
func (a *Adapter) Backend() Backend {
	return a.backend
}

// Mode returns the configured write mode
func (a *Adapter) Mode() WriteMode {
	return a.mode
}

// Failures returns the number of backend failures observed so far
func (a *Adapter) Failures() uint64 {
	return a.failures.Load()
}

func (a *Adapter) fail(key string, err error) error {
	a.failures.Add(1)
	return errs.Persistence(key, errors.Wrapf(err, "%s backend", a.backend.Name()))
}

// --------------------------------------------------------------------------
// Point operations
// --------------------------------------------------------------------------

// LoadEntry reads the record for key. Expired records are reported as absent.
func (a *Adapter) LoadEntry(key string) (StoreRecord, bool, error) {
	if a.behind != nil {
		if op, ok := a.behind.lookup(key); ok {
			if op.remove || op.record.IsExpired(a.now()) {
				return StoreRecord{}, false, nil
			}
			return op.record, true, nil
		}
	}

	data, ok, err := a.backend.Load(key)
	if err != nil {
		return StoreRecord{}, false, a.fail(key, err)
	}
	if !ok {
		return StoreRecord{}, false, nil
	}
	rec, err := DecodeRecord(key, data)
	if err != nil {
		return StoreRecord{}, false, a.fail(key, err)
	}
	if rec.IsExpired(a.now()) {
		return StoreRecord{}, false, nil
	}
	return rec, true, nil
}

// Write stores rec. In write-through mode the call returns after the backend accepted the record.
func (a *Adapter) Write(rec StoreRecord) error {
	if a.closed.Load() {
		return errs.Newf(errs.RetCPersistenceFailure, "store %s is closed", a.backend.Name())
	}
	if a.behind != nil {
		a.behind.enqueue(rec, false)
		return nil
	}
	if err := a.backend.Store(rec.Key, rec.Encode()); err != nil {
		return a.fail(rec.Key, err)
	}
	return nil
}

// Remove deletes the record for key
func (a *Adapter) Remove(key string) error {
	if a.closed.Load() {
		return errs.Newf(errs.RetCPersistenceFailure, "store %s is closed", a.backend.Name())
	}
	if a.behind != nil {
		a.behind.enqueue(StoreRecord{Key: key}, true)
		return nil
	}
	if err := a.backend.Delete(key); err != nil {
		return a.fail(key, err)
	}
	return nil
}

// Apply writes records and deletes the removed keys in one backend batch when
// the backend supports batches. It is the write path of a committed write set.
func (a *Adapter) Apply(records []StoreRecord, removed []string) error {
	if a.closed.Load() {
		return errs.Newf(errs.RetCPersistenceFailure, "store %s is closed", a.backend.Name())
	}
	if a.behind != nil {
		for _, rec := range records {
			a.behind.enqueue(rec, false)
		}
		for _, key := range removed {
			a.behind.enqueue(StoreRecord{Key: key}, true)
		}
		return nil
	}
	ops := make([]BatchOp, 0, len(records)+len(removed))
	for _, rec := range records {
		ops = append(ops, BatchOp{Key: rec.Key, Data: rec.Encode()})
	}
	for _, key := range removed {
		ops = append(ops, BatchOp{Key: key})
	}
	if err := writeBatch(a.backend, ops); err != nil {
		key := ""
		if len(ops) == 1 {
			key = ops[0].Key
		}
		return a.fail(key, err)
	}
	return nil
}

// Contains reports whether a live record exists for key
func (a *Adapter) Contains(key string) (bool, error) {
	_, ok, err := a.LoadEntry(key)
	return ok, err
}

// --------------------------------------------------------------------------
// Bulk operations
// --------------------------------------------------------------------------

// PreloadAll lazily yields every live record. The sequence is finite and
// restartable only by calling PreloadAll again. Iteration stops after the first error.
func (a *Adapter) PreloadAll() iter.Seq2[StoreRecord, error] {
	return func(yield func(StoreRecord, error) bool) {
		if a.behind != nil {
			if err := a.behind.flush(); err != nil {
				yield(StoreRecord{}, a.fail("", err))
				return
			}
		}
		now := a.now()
		err := a.backend.Scan(func(key string, data []byte) error {
			rec, err := DecodeRecord(key, data)
			if err != nil {
				return err
			}
			if rec.IsExpired(now) {
				return nil
			}
			if !yield(rec, nil) {
				return ErrStopScan
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrStopScan) {
			yield(StoreRecord{}, a.fail("", err))
		}
	}
}

// Preload seeds c with every live record, preserving stored versions and lifespans.
// It returns the number of entries installed.
func (a *Adapter) Preload(c *container.Container) (int, error) {
	start := time.Now()
	n := 0
	for rec, err := range a.PreloadAll() {
		if err != nil {
			return n, err
		}
		if c.PutVersioned(rec.Entry()) {
			n++
		}
	}
	log.Infof("preloaded %d entries from %s in %v", n, a.backend.Name(), time.Since(start))
	return n, nil
}

// PurgeExpired deletes every record whose lifespan elapsed and returns how many were deleted
func (a *Adapter) PurgeExpired() (int, error) {
	now := a.now()
	var expired []string
	err := a.backend.Scan(func(key string, data []byte) error {
		rec, err := DecodeRecord(key, data)
		if err != nil {
			return err
		}
		if rec.IsExpired(now) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, a.fail("", err)
	}

	ops := make([]BatchOp, len(expired))
	for i, key := range expired {
		ops[i] = BatchOp{Key: key}
	}
	if err := writeBatch(a.backend, ops); err != nil {
		return 0, a.fail("", err)
	}
	if len(expired) > 0 {
		log.Infof("purged %d expired records from %s", len(expired), a.backend.Name())
	}
	return len(expired), nil
}

// Clear deletes every record
func (a *Adapter) Clear() error {
	if err := a.Flush(); err != nil {
		return err
	}
	var keys []BatchOp
	if err := a.backend.Scan(func(key string, _ []byte) error {
		keys = append(keys, BatchOp{Key: key})
		return nil
	}); err != nil {
		return a.fail("", err)
	}
	if err := writeBatch(a.backend, keys); err != nil {
		return a.fail("", err)
	}
	return nil
}

// Size counts the live records
func (a *Adapter) Size() (int, error) {
	n := 0
	for _, err := range a.PreloadAll() {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Flush writes every queued write-behind operation. It is a no-op in write-through mode.
func (a *Adapter) Flush() error {
	if a.behind == nil {
		return nil
	}
	if err := a.behind.flush(); err != nil {
		return a.fail("", err)
	}
	return nil
}

// WriteBehindStats returns the queue statistics; the boolean is false in write-through mode
func (a *Adapter) WriteBehindStats() (WriteBehindStats, bool) {
	if a.behind == nil {
		return WriteBehindStats{}, false
	}
	return a.behind.stats(), true
}

// Close flushes pending writes and closes the backend
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	var flushErr error
	if a.behind != nil {
		if err := a.behind.close(); err != nil {
			flushErr = a.fail("", err)
		}
	}
	if err := a.backend.Close(); err != nil {
		return a.fail("", errors.CombineErrors(flushErr, err))
	}
	return flushErr
}
