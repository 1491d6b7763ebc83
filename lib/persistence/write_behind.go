package persistence

import (
	"sync"
	"sync/atomic"
	"time"
)

// pendingOp is a queued write; remove marks a deletion
type pendingOp struct {
	record StoreRecord
	remove bool
	seq    uint64
}

// writeBehind buffers writes and flushes them to the backend in batches.
// Later writes to a key replace earlier queued ones.
type writeBehind struct {
	mu      sync.Mutex
	pending map[string]pendingOp
	seq     uint64

	backend   Backend
	maxSize   int
	interval  time.Duration
	onFailure func(error)

	flushMu sync.Mutex // one flush at a time
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Stats
	totalWrites   atomic.Uint64
	totalFlushes  atomic.Uint64
	failedFlushes atomic.Uint64
	lastFlushTime atomic.Int64
}

// WriteBehindStats describes the write-behind queue
type WriteBehindStats struct {
	TotalWrites   uint64
	TotalFlushes  uint64
	FailedFlushes uint64
	Pending       int
	LastFlushTime time.Time
}

func newWriteBehind(backend Backend, maxSize int, interval time.Duration, onFailure func(error)) *writeBehind {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if interval <= 0 {
		interval = time.Second
	}
	w := &writeBehind{
		pending:   make(map[string]pendingOp),
		backend:   backend,
		maxSize:   maxSize,
		interval:  interval,
		onFailure: onFailure,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go w.run()
	log.Infof("write-behind started: maxSize=%d, flushInterval=%v, backend=%s", maxSize, interval, backend.Name())
	return w
}

func (w *writeBehind) enqueue(rec StoreRecord, remove bool) {
	w.mu.Lock()
	w.seq++
	w.pending[rec.Key] = pendingOp{record: rec, remove: remove, seq: w.seq}
	full := len(w.pending) >= w.maxSize
	w.mu.Unlock()

	w.totalWrites.Add(1)
	if full {
		go func() { _ = w.flush() }()
	}
}

// lookup returns a queued operation for key, if any
func (w *writeBehind) lookup(key string) (pendingOp, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	op, ok := w.pending[key]
	return op, ok
}

func (w *writeBehind) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			_ = w.flush()
		}
	}
}

// flush writes every queued operation. Failed operations are queued again
// unless a newer write for the same key arrived in the meantime.
func (w *writeBehind) flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	w.pending = make(map[string]pendingOp, len(batch))
	w.mu.Unlock()

	ops := make([]BatchOp, 0, len(batch))
	for key, op := range batch {
		if op.remove {
			ops = append(ops, BatchOp{Key: key})
		} else {
			ops = append(ops, BatchOp{Key: key, Data: op.record.Encode()})
		}
	}

	start := time.Now()
	if err := writeBatch(w.backend, ops); err != nil {
		w.failedFlushes.Add(1)
		w.mu.Lock()
		for key, op := range batch {
			if cur, ok := w.pending[key]; !ok || cur.seq < op.seq {
				w.pending[key] = op
			}
		}
		w.mu.Unlock()
		log.Errorf("write-behind flush of %d operations failed: %v", len(ops), err)
		if w.onFailure != nil {
			w.onFailure(err)
		}
		return err
	}

	w.totalFlushes.Add(1)
	w.lastFlushTime.Store(time.Now().UnixNano())
	log.Debugf("write-behind flushed %d operations in %v", len(ops), time.Since(start))
	return nil
}

func (w *writeBehind) stats() WriteBehindStats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	return WriteBehindStats{
		TotalWrites:   w.totalWrites.Load(),
		TotalFlushes:  w.totalFlushes.Load(),
		FailedFlushes: w.failedFlushes.Load(),
		Pending:       pending,
		LastFlushTime: time.Unix(0, w.lastFlushTime.Load()),
	}
}

// close stops the ticker and performs a final flush
func (w *writeBehind) close() error {
	close(w.stopCh)
	<-w.doneCh
	return w.flush()
}
