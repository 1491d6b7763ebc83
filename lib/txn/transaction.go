package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
)

// State is the life cycle position of a transaction
type State int

const (
	StateActive State = iota
	StatePreparing
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePreparing:
		return "PREPARING"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Isolation selects what a transaction's reads observe
type Isolation int

const (
	// RepeatableRead pins every read to the value seen on first access.
	// Combined with write skew checks this approximates snapshot isolation.
	RepeatableRead Isolation = iota
	// ReadCommitted reads the latest committed value every time; no write skew check.
	ReadCommitted
)

func (i Isolation) String() string {
	if i == ReadCommitted {
		return "READ_COMMITTED"
	}
	return "REPEATABLE_READ"
}

// ParseIsolation parses the names returned by Isolation.String
func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case "REPEATABLE_READ", "repeatable_read", "":
		return RepeatableRead, nil
	case "READ_COMMITTED", "read_committed":
		return ReadCommitted, nil
	default:
		return 0, errs.Newf(errs.RetCInvalidOperation, "unknown isolation level %q", s)
	}
}

// read is a read set element: what the transaction saw on first access.
// last is the tombstone version of a key read as absent.
type read struct {
	entry   container.Entry
	present bool
	last    version.EntryVersion
}

// write is a buffered write; baseline is the version it was validated against.
// For a key expected absent, baseline is its tombstone version.
type write struct {
	key      string
	value    []byte
	remove   bool
	meta     container.Metadata
	baseline version.EntryVersion
	absent   bool
}

// Transaction is the per-transaction context: read set, write set, isolation and state.
// A transaction is bound to the member that began it and is not safe for use
// by several goroutines while it commits.
type Transaction struct {
	id        string
	isolation Isolation
	started   time.Time

	mu     sync.Mutex
	state  State
	reads  map[string]read
	writes map[string]*write
	order  []string // write keys in first write order

	// set while the commit runs
	cancel context.CancelFunc
	abort  bool          // a rollback was requested
	sealed bool          // past the point where a rollback can still abort
	done   chan struct{} // closed when the commit ended
	err    error         // commit outcome
}

func newTransaction(id string, isolation Isolation) *Transaction {
	return &Transaction{
		id:        id,
		isolation: isolation,
		started:   time.Now(),
		reads:     make(map[string]read),
		writes:    make(map[string]*write),
	}
}

// ID returns the transaction id
func (tx *Transaction) ID() string {
	return tx.id
}

// Isolation returns the isolation level
func (tx *Transaction) Isolation() Isolation {
	return tx.isolation
}

// State returns the current state
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Err returns the outcome of the commit, nil while none ran or when it succeeded
func (tx *Transaction) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// ReadSet returns the version observed for every key read so far (zero = absent)
func (tx *Transaction) ReadSet() map[string]version.EntryVersion {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make(map[string]version.EntryVersion, len(tx.reads))
	for k, r := range tx.reads {
		out[k] = r.entry.Version
	}
	return out
}

// WriteKeys returns the keys of the write set in ascending order
func (tx *Transaction) WriteKeys() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	keys := append([]string(nil), tx.order...)
	sort.Strings(keys)
	return keys
}

// requestAbortLocked asks a commit that did not reach its commit point to roll back.
// It may be called before the commit started.
func (tx *Transaction) requestAbortLocked() {
	if tx.sealed || tx.state == StateCommitted || tx.state == StateRolledBack {
		return
	}
	tx.abort = true
	if tx.cancel != nil {
		tx.cancel()
	}
}

func (tx *Transaction) checkActive() error {
	if tx.state != StateActive {
		return errs.Newf(errs.RetCInvalidOperation, "transaction %s is %s", tx.id, tx.state)
	}
	return nil
}

// lookup serves a read from the transaction's own context.
// handled is false when the caller has to read the container.
func (tx *Transaction) lookup(key string) (e container.Entry, ok bool, handled bool) {
	if w, found := tx.writes[key]; found {
		if w.remove {
			return container.Entry{}, false, true
		}
		e := container.Entry{Key: key, Value: append([]byte(nil), w.value...), Metadata: w.meta}
		if !w.absent {
			e.Version = w.baseline
		}
		return e, true, true
	}
	if tx.isolation == RepeatableRead {
		if r, found := tx.reads[key]; found {
			return r.entry, r.present, true
		}
	}
	return container.Entry{}, false, false
}

// recordRead pins the first observation of key
func (tx *Transaction) recordRead(key string, e container.Entry, present bool, last version.EntryVersion) {
	if _, found := tx.reads[key]; found {
		return
	}
	if !present {
		e = container.Entry{Key: key}
	} else {
		last = e.Version
	}
	tx.reads[key] = read{entry: e, present: present, last: last}
}

// buffer adds a write. The baseline is the version read earlier in the
// transaction or, for a blind write, the current version passed in.
func (tx *Transaction) buffer(w *write, current version.EntryVersion, absent bool) {
	if prev, found := tx.writes[w.key]; found {
		w.baseline, w.absent = prev.baseline, prev.absent
	} else if r, found := tx.reads[w.key]; found {
		w.baseline, w.absent = r.last, !r.present
		tx.order = append(tx.order, w.key)
	} else {
		w.baseline, w.absent = current, absent
		tx.order = append(tx.order, w.key)
	}
	tx.writes[w.key] = w
}

// writeOps returns the write set in ascending key order
func (tx *Transaction) writeOps(now time.Time) []transport.WriteOp {
	keys := append([]string(nil), tx.order...)
	sort.Strings(keys)
	ops := make([]transport.WriteOp, len(keys))
	for i, k := range keys {
		w := tx.writes[k]
		ops[i] = transport.WriteOp{
			Key:        k,
			Value:      w.value,
			Remove:     w.remove,
			LifespanMs: container.Millis(w.meta.Lifespan),
			MaxIdleMs:  container.Millis(w.meta.MaxIdle),
			Expected:   w.baseline,
			Absent:     w.absent,
			Created:    now.UnixNano(),
		}
	}
	return ops
}

// OpOf ships a live entry as a committed write op (state transfer)
func OpOf(e container.Entry) transport.WriteOp {
	return transport.WriteOp{
		Key:        e.Key,
		Value:      e.Value,
		LifespanMs: container.Millis(e.Metadata.Lifespan),
		MaxIdleMs:  container.Millis(e.Metadata.MaxIdle),
		Version:    e.Version,
		Created:    e.Created.UnixNano(),
	}
}

// EntryOf turns a committed write op into a container entry
func EntryOf(op transport.WriteOp) container.Entry {
	created := time.Unix(0, op.Created)
	return container.Entry{
		Key:   op.Key,
		Value: op.Value,
		Metadata: container.Metadata{
			Lifespan: container.FromMillis(op.LifespanMs),
			MaxIdle:  container.FromMillis(op.MaxIdleMs),
		},
		Version:  op.Version,
		Created:  created,
		LastUsed: created,
	}
}
