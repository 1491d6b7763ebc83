package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/cockroachdb/errors"
)

// StateFileName is the name of the persisted global state inside the state directory
const StateFileName = "global-state.json"

// GlobalState is what a member persists during a graceful cluster shutdown.
// It is the anchor a restart is reconciled against.
type GlobalState struct {
	Cluster    string            `json:"cluster"`
	Member     topology.MemberID `json:"member"`
	View       topology.View     `json:"view"`
	Generation uint64            `json:"generation"`
	Entries    int               `json:"entries"`
	Timestamp  time.Time         `json:"timestamp"`
}

// StateStore keeps the GlobalState of one member. An empty directory keeps it in memory.
type StateStore struct {
	dir string

	mu  sync.Mutex
	mem *GlobalState
}

// NewStateStore creates a store writing to dir
func NewStateStore(dir string) *StateStore {
	return &StateStore{dir: dir}
}

// Path returns the state file path ("" for an in-memory store)
func (s *StateStore) Path() string {
	if s.dir == "" {
		return ""
	}
	return filepath.Join(s.dir, StateFileName)
}

// Load returns the persisted state. The boolean is false when none exists.
// State written by another cluster is a view mismatch.
func (s *StateStore) Load(cluster string) (GlobalState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st GlobalState
	if s.dir == "" {
		if s.mem == nil {
			return GlobalState{}, false, nil
		}
		st = *s.mem
	} else {
		b, err := os.ReadFile(s.Path())
		if errors.Is(err, os.ErrNotExist) {
			return GlobalState{}, false, nil
		}
		if err != nil {
			return GlobalState{}, false, errs.Persistence("", errors.Wrap(err, "read global state"))
		}
		if err := json.Unmarshal(b, &st); err != nil {
			return GlobalState{}, false, errs.Persistence("", errors.Wrapf(err, "decode %s", s.Path()))
		}
	}
	if st.Cluster != cluster {
		return GlobalState{}, false, errs.ViewMismatch(string(st.Member),
			"persisted state belongs to cluster %q, not %q", st.Cluster, cluster)
	}
	return st, true, nil
}

// Save writes st atomically
func (s *StateStore) Save(st GlobalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		s.mem = &st
		return nil
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode global state")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errs.Persistence("", errors.Wrapf(err, "create %s", s.dir))
	}
	tmp := s.Path() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Persistence("", errors.WithStack(err))
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return errs.Persistence("", errors.WithStack(err))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errs.Persistence("", errors.WithStack(err))
	}
	if err := f.Close(); err != nil {
		return errs.Persistence("", errors.WithStack(err))
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		return errs.Persistence("", errors.Wrap(err, "install global state"))
	}
	return nil
}

// Delete removes the state. A missing state is not an error.
func (s *StateStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		s.mem = nil
		return nil
	}
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.Persistence("", errors.Wrap(err, "delete global state"))
	}
	return nil
}
