package grid

import (
	"path/filepath"
	"time"

	"github.com/ValentinKolb/dGrid/lib/indexing"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/file"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/memory"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/pebble"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/raft"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/ValentinKolb/dGrid/lib/txn"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
)

// Backend names accepted by StoreConfig.Backend
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendPebble = "pebble"
	BackendRaft   = "raft"
)

// StoreConfig selects and tunes the durable store of a node
type StoreConfig struct {
	Backend       string // one of the Backend* names ("" = none)
	Path          string // directory of the file and pebble backends
	Sync          bool   // fsync every write (file, pebble)
	Mode          persistence.WriteMode
	FlushInterval time.Duration // write-behind
	MaxPending    int           // write-behind
	Raft          raft.Config
}

// Config is the configuration of a node
type Config struct {
	Cluster  string
	StateDir string // global state directory ("" keeps it in memory)

	// Transactions
	Isolation      txn.Isolation
	WriteSkewCheck bool
	Strict         bool          // fail commits whose write-through fails
	LockTimeout    time.Duration // bound on acquiring the key fence
	PrepareTimeout time.Duration

	// Lifecycle
	Preload          bool // load the container from the store on start
	PurgeOnStartup   bool // clear the store when the node is created
	FormationTimeout time.Duration
	DrainTimeout     time.Duration

	Store StoreConfig

	Security security.Config

	// Indexer receives committed writes; nil disables indexing
	Indexer  indexing.Indexer
	Indexing indexing.Options

	// Metrics collects the node's metrics; nil creates a private set
	Metrics *metrics.Set
}

// DefaultConfig returns a node configuration with write-skew checks, strict
// write-through persistence and preloading enabled
func DefaultConfig() Config {
	tx := txn.DefaultOptions()
	return Config{
		Cluster:          "dgrid",
		Isolation:        tx.Isolation,
		WriteSkewCheck:   tx.WriteSkewCheck,
		Strict:           tx.Strict,
		LockTimeout:      10 * time.Second,
		PrepareTimeout:   tx.PrepareTimeout,
		Preload:          true,
		FormationTimeout: 2 * time.Minute,
		DrainTimeout:     30 * time.Second,
		Store: StoreConfig{
			Backend:       BackendNone,
			Mode:          persistence.WriteThrough,
			FlushInterval: time.Second,
			MaxPending:    1024,
		},
	}
}

func (c Config) txOptions() txn.Options {
	opts := txn.DefaultOptions()
	opts.Isolation = c.Isolation
	opts.WriteSkewCheck = c.WriteSkewCheck
	opts.Strict = c.Strict
	if c.PrepareTimeout > 0 {
		opts.PrepareTimeout = c.PrepareTimeout
	}
	return opts
}

// OpenBackend opens the backend named by sc. It returns nil for BackendNone.
func OpenBackend(sc StoreConfig) (persistence.Backend, error) {
	switch sc.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return memory.New("memory"), nil
	case BackendFile:
		if sc.Path == "" {
			return nil, errors.New("the file backend needs a path")
		}
		s, err := file.Open(filepath.Join(sc.Path, "store.log"), file.Options{Sync: sc.Sync})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPebble:
		if sc.Path == "" {
			return nil, errors.New("the pebble backend needs a path")
		}
		s, err := pebble.Open(sc.Path, pebble.Options{Sync: sc.Sync})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRaft:
		s, err := raft.Open(sc.Raft)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Newf("unknown store backend %q", sc.Backend)
	}
}
