package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("tasks")

// Cache is the data API a task works with. Every call runs as a transaction
// of the node the task was started on.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, meta container.Metadata) error
	Remove(ctx context.Context, key string) error
}

// TaskContext is handed to a running task
type TaskContext struct {
	Cache  Cache
	Params map[string]string
}

// Engine runs a family of tasks
type Engine interface {
	// Name identifies the engine
	Name() string
	// Tasks lists the task names the engine runs
	Tasks() []string
	// Handles reports whether the engine runs the named task
	Handles(task string) bool
	// Run executes the task; it must return when ctx ends
	Run(ctx context.Context, task string, tc TaskContext) (any, error)
}

// TaskExecution describes a running task
type TaskExecution struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Engine string    `json:"engine"`
	Start  time.Time `json:"start"`
	Who    string    `json:"who,omitempty"` // subject that started the task
}

// Manager runs tasks against a node and keeps track of the running ones
type Manager struct {
	cache Cache

	mu      sync.RWMutex
	engines []Engine

	running *xsync.MapOf[string, *Execution]

	started *metrics.Counter
	failed  *metrics.Counter
}

// NewManager creates a manager whose tasks use cache. set may be nil.
func NewManager(cache Cache, set *metrics.Set) *Manager {
	if set == nil {
		set = metrics.NewSet()
	}
	m := &Manager{
		cache:   cache,
		running: xsync.NewMapOf[string, *Execution](),
		started: set.NewCounter("dgrid_tasks_started_total"),
		failed:  set.NewCounter("dgrid_tasks_failed_total"),
	}
	set.NewGauge("dgrid_tasks_running", func() float64 { return float64(m.running.Size()) })
	return m
}

// RegisterEngine adds an engine. Engines registered earlier win for a task name.
func (m *Manager) RegisterEngine(e Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines = append(m.engines, e)
	log.Infof("registered task engine %s (%d tasks)", e.Name(), len(e.Tasks()))
}

// Tasks lists every task name of every engine
func (m *Manager) Tasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, e := range m.engines {
		out = append(out, e.Tasks()...)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) engineFor(task string) (Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.engines {
		if e.Handles(task) {
			return e, true
		}
	}
	return nil, false
}

// RunTask starts the named task and returns its handle. The task runs with
// the subject of ctx and is cancelled when ctx ends.
func (m *Manager) RunTask(ctx context.Context, name string, params map[string]string) (*Execution, error) {
	engine, ok := m.engineFor(name)
	if !ok {
		return nil, errs.Newf(errs.RetCInvalidOperation, "unknown task %q", name)
	}
	info := TaskExecution{
		ID:     uuid.NewString(),
		Name:   name,
		Engine: engine.Name(),
		Start:  time.Now(),
	}
	if s, ok := security.SubjectFrom(ctx); ok {
		info.Who = s.Name
	}

	tctx, cancel := context.WithCancel(ctx)
	exec := &Execution{info: info, done: make(chan struct{}), cancel: cancel}
	m.running.Store(info.ID, exec)
	m.started.Inc()
	log.Debugf("task %s (%s) started by %q", info.Name, info.ID, info.Who)

	go func() {
		defer cancel()
		result, err := runSafely(tctx, engine, name, TaskContext{Cache: m.cache, Params: params})
		m.running.Delete(info.ID)
		if err != nil {
			m.failed.Inc()
			log.Warningf("task %s (%s) failed: %v", info.Name, info.ID, err)
		}
		exec.finish(result, err)
	}()
	return exec, nil
}

func runSafely(ctx context.Context, e Engine, task string, tc TaskContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task %s panicked: %v", task, r)
		}
	}()
	return e.Run(ctx, task, tc)
}

// CurrentTasks lists the running tasks in start order
func (m *Manager) CurrentTasks() []TaskExecution {
	out := make([]TaskExecution, 0, m.running.Size())
	m.running.Range(func(_ string, e *Execution) bool {
		out = append(out, e.info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Execution is the handle of a started task
type Execution struct {
	info   TaskExecution
	done   chan struct{}
	cancel context.CancelFunc
	result any
	err    error
}

func (e *Execution) finish(result any, err error) {
	e.result, e.err = result, err
	close(e.done)
}

// Info describes the execution
func (e *Execution) Info() TaskExecution {
	return e.info
}

// Done is closed when the task returned
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the task returned or ctx ended
func (e *Execution) Wait(ctx context.Context) (any, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks the task to stop
func (e *Execution) Cancel() {
	e.cancel()
}
