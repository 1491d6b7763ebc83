package txn

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// staged is a write set a replica validated and holds until commit or rollback
type staged struct {
	from    string
	writes  []transport.WriteOp
	expires time.Time
}

// Participant is the replica side of the commit protocol. It re-validates a
// prepared write set against its own container, stages it and applies it on commit.
type Participant struct {
	data    *container.Container
	store   *persistence.Adapter
	checker *Checker
	check   bool
	ttl     time.Duration
	now     func() time.Time
	applied func([]transport.WriteOp)
	metrics *Metrics
	syncing atomic.Bool

	prepared *xsync.MapOf[string, staged]
}

func newParticipant(c *Coordinator) *Participant {
	return &Participant{
		data:     c.data,
		store:    c.store,
		checker:  replicaChecker(c.data, c.store),
		check:    c.opts.WriteSkewCheck && c.opts.Isolation == RepeatableRead,
		ttl:      c.opts.PreparedTTL,
		now:      c.now,
		applied:  c.notify,
		metrics:  c.metrics,
		prepared: xsync.NewMapOf[string, staged](),
	}
}

// Handle serves MsgTTxPrepare, MsgTTxCommit and MsgTTxRollback
func (p *Participant) Handle(_ context.Context, req *transport.Message) *transport.Message {
	var err error
	switch req.MsgType {
	case transport.MsgTTxPrepare:
		err = p.Prepare(string(req.From), req.TxID, req.Writes)
	case transport.MsgTTxCommit:
		err = p.Commit(req.TxID)
	case transport.MsgTTxRollback:
		p.Rollback(req.TxID)
	default:
		err = errs.Newf(errs.RetCInvalidOperation, "unexpected %s for a participant", req.MsgType)
	}
	if err != nil {
		return transport.NewErrorResponse(transport.MsgTError, err)
	}
	return transport.NewResponse(transport.MsgTSuccess)
}

// Prepare validates writes and stages them under txID
func (p *Participant) Prepare(from, txID string, writes []transport.WriteOp) error {
	p.expire()
	if p.check && !p.syncing.Load() {
		if err := p.checker.Check(writes); err != nil {
			log.Debugf("prepare of %s from %s rejected: %v", txID, from, err)
			return err
		}
	}
	p.prepared.Store(txID, staged{from: from, writes: writes, expires: p.now().Add(p.ttl)})
	return nil
}

// Commit writes the write set staged under txID through the store and then
// applies it, in the same order as the committing member
func (p *Participant) Commit(txID string) error {
	s, ok := p.prepared.LoadAndDelete(txID)
	if !ok {
		return errs.Newf(errs.RetCInvalidOperation, "transaction %s is not prepared here", txID)
	}
	var err error
	if p.store != nil {
		if err = persist(p.store, s.writes); err != nil {
			p.metrics.PersistErrors.Inc()
			log.Errorf("commit of %s not persisted, applying in memory only: %v", txID, err)
		}
	}
	apply(p.data, s.writes)
	if p.applied != nil {
		p.applied(s.writes)
	}
	return err
}

// Rollback discards the write set staged under txID. Unknown ids are ignored.
func (p *Participant) Rollback(txID string) {
	p.prepared.Delete(txID)
}

// SetSyncing turns replica side validation off while the container is being
// loaded or transferred. Committed writes are still applied.
func (p *Participant) SetSyncing(syncing bool) {
	p.syncing.Store(syncing)
}

// Pending returns the number of staged write sets
func (p *Participant) Pending() int {
	return p.prepared.Size()
}

// expire drops staged write sets whose coordinator never finished them
func (p *Participant) expire() {
	now := p.now()
	p.prepared.Range(func(txID string, s staged) bool {
		if now.After(s.expires) {
			log.Warningf("prepared transaction %s from %s expired without commit, discarding", txID, s.from)
			p.prepared.Delete(txID)
		}
		return true
	})
}

// apply installs committed writes with the versions assigned by the committing member
func apply(data *container.Container, writes []transport.WriteOp) {
	for _, w := range writes {
		if w.Remove {
			data.RemoveVersioned(w.Key, w.Version)
			continue
		}
		data.PutVersioned(EntryOf(w))
	}
}

// persist writes committed writes through the store adapter
func persist(store *persistence.Adapter, writes []transport.WriteOp) error {
	records := make([]persistence.StoreRecord, 0, len(writes))
	var removed []string
	for _, w := range writes {
		if w.Remove {
			removed = append(removed, w.Key)
			continue
		}
		records = append(records, persistence.RecordFromEntry(EntryOf(w)))
	}
	return store.Apply(records, removed)
}
