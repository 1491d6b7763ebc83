package indexing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("indexing")

// ErrQueueFull is reported for documents dropped because the indexer fell behind
var ErrQueueFull = errors.New("indexing queue full")

// Op is what happened to a key
type Op int

const (
	OpWrite Op = iota
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "remove"
	}
	return "write"
}

// Document is one committed change handed to the indexer
type Document struct {
	Key     string
	Value   []byte
	Version version.EntryVersion
	Op      Op
}

// Indexer is the search subsystem fed by the notifier
type Indexer interface {
	Index(ctx context.Context, doc Document) error
}

// IndexerFunc adapts a function to Indexer
type IndexerFunc func(ctx context.Context, doc Document) error

func (f IndexerFunc) Index(ctx context.Context, doc Document) error {
	return f(ctx, doc)
}

// FailureContext describes one document that could not be indexed
type FailureContext struct {
	Key string
	Op  Op
	Err error
}

// FailureHandler receives indexing failures. It must not block.
type FailureHandler interface {
	Handle(fc FailureContext)
}

// FailureHandlerFunc adapts a function to FailureHandler
type FailureHandlerFunc func(fc FailureContext)

func (f FailureHandlerFunc) Handle(fc FailureContext) {
	f(fc)
}

// LogFailureHandler logs every failure
var LogFailureHandler FailureHandler = FailureHandlerFunc(func(fc FailureContext) {
	log.Warningf("indexing %s of %q failed: %v", fc.Op, fc.Key, fc.Err)
})

// Options configures a Notifier
type Options struct {
	QueueSize int            // documents buffered between commit and indexer (default 1024)
	Handler   FailureHandler // nil logs failures
}

// Notifier feeds committed writes to an Indexer off the commit path. The
// commit path never blocks on it: a full queue drops the document and reports
// the drop as a failure.
type Notifier struct {
	indexer Indexer
	handler FailureHandler
	queue   chan Document
	pending atomic.Int64

	registry metrics.Registry
	indexed  metrics.Counter
	failed   metrics.Counter
	rate     metrics.Meter

	first atomic.Pointer[FailureContext]

	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewNotifier starts a notifier feeding indexer
func NewNotifier(indexer Indexer, opts Options) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Handler == nil {
		opts.Handler = LogFailureHandler
	}
	r := metrics.NewRegistry()
	n := &Notifier{
		indexer:  indexer,
		handler:  opts.Handler,
		queue:    make(chan Document, opts.QueueSize),
		registry: r,
		indexed:  metrics.GetOrRegisterCounter("indexing.documents", r),
		failed:   metrics.GetOrRegisterCounter("indexing.failures", r),
		rate:     metrics.GetOrRegisterMeter("indexing.rate", r),
		stop:     make(chan struct{}),
	}
	n.wg.Add(1)
	go n.worker()
	return n
}

// Notify enqueues the committed writes. Its signature matches txn.Listener.
func (n *Notifier) Notify(writes []transport.WriteOp) {
	for _, w := range writes {
		doc := Document{Key: w.Key, Value: w.Value, Version: w.Version, Op: OpWrite}
		if w.Remove {
			doc.Op, doc.Value = OpRemove, nil
		}
		if n.closed.Load() {
			n.fail(FailureContext{Key: doc.Key, Op: doc.Op, Err: errors.New("notifier closed")})
			continue
		}
		n.pending.Add(1)
		select {
		case n.queue <- doc:
		default:
			n.pending.Add(-1)
			n.fail(FailureContext{Key: doc.Key, Op: doc.Op, Err: ErrQueueFull})
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case doc := <-n.queue:
			n.index(ctx, doc)
			n.pending.Add(-1)
		case <-n.stop:
			for {
				select {
				case doc := <-n.queue:
					n.index(ctx, doc)
					n.pending.Add(-1)
				default:
					return
				}
			}
		}
	}
}

// index runs the indexer for one document; a panic counts as a failure
func (n *Notifier) index(ctx context.Context, doc Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("indexer panicked: %v", r)
		}
		if err != nil {
			n.fail(FailureContext{Key: doc.Key, Op: doc.Op, Err: err})
			return
		}
		n.indexed.Inc(1)
		n.rate.Mark(1)
	}()
	return n.indexer.Index(ctx, doc)
}

func (n *Notifier) fail(fc FailureContext) {
	n.failed.Inc(1)
	n.first.CompareAndSwap(nil, &fc)
	n.handler.Handle(fc)
}

// Flush waits until every queued document was handed to the indexer
func (n *Notifier) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for n.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%d documents still queued", n.pending.Load())
		}
	}
	return nil
}

// Close indexes what is queued and stops the worker
func (n *Notifier) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	close(n.stop)
	n.wg.Wait()
	n.rate.Stop()
}

// Indexed returns the number of documents indexed successfully
func (n *Notifier) Indexed() int64 {
	return n.indexed.Count()
}

// Failures returns the number of failed documents
func (n *Notifier) Failures() int64 {
	return n.failed.Count()
}

// FirstFailure returns the first failure seen by the notifier
func (n *Notifier) FirstFailure() (FailureContext, bool) {
	fc := n.first.Load()
	if fc == nil {
		return FailureContext{}, false
	}
	return *fc, true
}

// Registry exposes the notifier's metrics
func (n *Notifier) Registry() metrics.Registry {
	return n.registry
}

// --------------------------------------------------------------------------
// Mass indexing
// --------------------------------------------------------------------------

// Progress reports a mass indexing run
type Progress struct {
	Documents int64
	Failures  int64
	Elapsed   time.Duration
}

// Reindex indexes every live entry of data synchronously. Failures are
// reported to the failure handler and do not stop the run; if any occurred
// the returned error wraps the first one and states how many there were.
func (n *Notifier) Reindex(ctx context.Context, data *container.Container) (Progress, error) {
	start := time.Now()
	total := data.Size()
	var (
		p     Progress
		first *FailureContext
	)
	log.Infof("mass indexing %d entries", total)

	data.Range(func(e container.Entry) bool {
		if ctx.Err() != nil {
			return false
		}
		doc := Document{Key: e.Key, Value: e.Value, Version: e.Version, Op: OpWrite}
		if err := n.index(ctx, doc); err != nil {
			p.Failures++
			if first == nil {
				first = &FailureContext{Key: doc.Key, Op: doc.Op, Err: err}
			}
		} else {
			p.Documents++
		}
		if done := p.Documents + p.Failures; done%1000 == 0 {
			log.Infof("mass indexing: %d/%d documents, %.0f/s", done, total, n.rate.RateMean())
		}
		return true
	})
	p.Elapsed = time.Since(start)

	if err := ctx.Err(); err != nil {
		return p, errors.Wrapf(err, "mass indexing stopped after %d documents", p.Documents)
	}
	log.Infof("mass indexing completed: %d documents, %d failures in %v", p.Documents, p.Failures, p.Elapsed)
	if first != nil {
		return p, errors.Wrapf(first.Err, "mass indexing: %d documents failed to index, the first was %q", p.Failures, first.Key)
	}
	return p, nil
}
