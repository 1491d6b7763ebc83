package memory

import (
	"strings"
	"sync"

	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

const degree = 32

type item struct {
	key  string
	data []byte
}

func less(a, b item) bool {
	return strings.Compare(a.key, b.key) < 0
}

// Store is an ordered in-memory backend.
// Stores are registered by name so that a restarted node can reopen the data its previous incarnation wrote.
type Store struct {
	name string
	mu   sync.RWMutex
	tree *btree.BTreeG[item]

	failMu   sync.Mutex
	failNext int
	failErr  error
}

// ErrInjected is returned by operations failed through FailNext
var ErrInjected = errors.New("injected store failure")

// New creates an empty, unregistered store
func New(name string) *Store {
	return &Store{
		name: name,
		tree: btree.NewG[item](degree, less),
	}
}

// Registry hands out named stores shared between node incarnations of one process
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Open returns the store registered under name, creating it on first use
func (r *Registry) Open(name string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[name]; ok {
		return s
	}
	s := New(name)
	r.stores[name] = s
	return s
}

// FailNext makes the next n mutating or reading operations return err (ErrInjected if nil)
func (s *Store) FailNext(n int, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	s.failNext, s.failErr = n, err
}

func (s *Store) injected() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failNext <= 0 {
		return nil
	}
	s.failNext--
	return s.failErr
}

// --------------------------------------------------------------------------
// Interface Methods (docu see persistence.Backend)
// --------------------------------------------------------------------------

func (s *Store) Name() string {
	return "memory:" + s.name
}

func (s *Store) Load(key string) ([]byte, bool, error) {
	if err := s.injected(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.tree.Get(item{key: key})
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), it.data...), true, nil
}

func (s *Store) Store(key string, data []byte) error {
	if err := s.injected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(item{key: key, data: append([]byte(nil), data...)})
	return nil
}

func (s *Store) StoreBatch(ops []persistence.BatchOp) error {
	if err := s.injected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.Data == nil {
			s.tree.Delete(item{key: op.Key})
		} else {
			s.tree.ReplaceOrInsert(item{key: op.Key, data: append([]byte(nil), op.Data...)})
		}
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if err := s.injected(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(item{key: key})
	return nil
}

func (s *Store) Contains(key string) (bool, error) {
	if err := s.injected(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Has(item{key: key}), nil
}

// Scan iterates over a snapshot so fn may call back into the store
func (s *Store) Scan(fn func(key string, data []byte) error) error {
	if err := s.injected(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.tree.Clone()
	s.mu.RUnlock()

	var err error
	snapshot.Ascend(func(it item) bool {
		err = fn(it.key, it.data)
		return err == nil
	})
	if errors.Is(err, persistence.ErrStopScan) {
		return nil
	}
	return err
}

// Len returns the number of stored keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Close keeps the data so a registry can hand the store to the next incarnation
func (s *Store) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Snapshot support (used by the raft backend)
// --------------------------------------------------------------------------

// Items returns a copy of all pairs in key order
func (s *Store) Items() []persistence.BatchOp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.BatchOp, 0, s.tree.Len())
	s.tree.Ascend(func(it item) bool {
		out = append(out, persistence.BatchOp{Key: it.key, Data: it.data})
		return true
	})
	return out
}

// Reset replaces the whole content with ops
func (s *Store) Reset(ops []persistence.BatchOp) {
	tree := btree.NewG[item](degree, less)
	for _, op := range ops {
		tree.ReplaceOrInsert(item{key: op.Key, data: op.Data})
	}
	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()
}
