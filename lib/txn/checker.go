package txn

import (
	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
)

// Checker is the WriteSkewChecker. It compares the version every write was
// validated against with the version the container holds now. A key missing
// from the container is loaded from the store first, so a node that did not
// preload sees the same versions as one that did.
//
// The check is only meaningful while the keys are fenced (see lockmgr.Fence):
// between Check and the apply of the same write set no other commit may touch them.
type Checker struct {
	data  *container.Container
	store *persistence.Adapter

	// graves makes a write that expected an absent key fail when the key was
	// written and removed (or expired) again since. Tombstones are local and
	// forgotten after a while, so only the committing member checks them.
	graves bool
}

// NewChecker creates a checker over data. store may be nil.
func NewChecker(data *container.Container, store *persistence.Adapter) *Checker {
	return &Checker{data: data, store: store, graves: true}
}

// replicaChecker validates liveness and live versions only
func replicaChecker(data *container.Container, store *persistence.Adapter) *Checker {
	return &Checker{data: data, store: store}
}

// Current returns the version of the live entry for key and true, or the
// tombstone version (zero if none is known) and false
func (c *Checker) Current(key string) (version.EntryVersion, bool, error) {
	if _, ok := c.data.Peek(key); !ok {
		if _, _, err := load(c.data, c.store, key); err != nil {
			return version.EntryVersion{}, false, err
		}
	}
	v, live := c.data.Last(key)
	return v, live, nil
}

// Check returns an errs.RetCWriteSkewConflict for the first write whose
// expectation does not hold anymore. Nothing but store loads is modified.
func (c *Checker) Check(writes []transport.WriteOp) error {
	for _, w := range writes {
		cur, live, err := c.Current(w.Key)
		if err != nil {
			return err
		}
		if c.holds(w, cur, live) {
			continue
		}
		e := errs.WriteSkew(w.Key)
		e.Msg = "read " + expectation(w) + ", now " + state(cur, live)
		return e
	}
	return nil
}

func (c *Checker) holds(w transport.WriteOp, cur version.EntryVersion, live bool) bool {
	if !w.Absent && !w.Expected.IsZero() {
		return live && cur == w.Expected
	}
	if live {
		return false
	}
	return !c.graves || !w.Expected.Less(cur)
}

func expectation(w transport.WriteOp) string {
	if w.Absent && !w.Expected.IsZero() {
		return "absent after " + w.Expected.String()
	}
	return w.Expected.String()
}

func state(cur version.EntryVersion, live bool) string {
	if !live && !cur.IsZero() {
		return "absent after " + cur.String()
	}
	if !live {
		return version.EntryVersion{}.String()
	}
	return cur.String()
}

// CheckTransaction validates the write set of tx against the container
func (c *Checker) CheckTransaction(tx *Transaction) error {
	tx.mu.Lock()
	ops := make([]transport.WriteOp, 0, len(tx.order))
	for _, k := range tx.order {
		w := tx.writes[k]
		ops = append(ops, transport.WriteOp{Key: k, Expected: w.baseline, Absent: w.absent})
	}
	tx.mu.Unlock()
	return c.Check(ops)
}

// load returns the live entry for key, installing it from store on a container miss
func load(data *container.Container, store *persistence.Adapter, key string) (container.Entry, bool, error) {
	if e, ok := data.Get(key); ok {
		return e, true, nil
	}
	if store == nil {
		return container.Entry{}, false, nil
	}
	rec, found, err := store.LoadEntry(key)
	if err != nil || !found {
		return container.Entry{}, false, err
	}
	data.PutVersioned(rec.Entry())
	e, ok := data.Get(key)
	return e, ok, nil
}
