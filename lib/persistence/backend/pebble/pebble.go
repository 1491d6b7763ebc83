package pebble

import (
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("persistence")

// Options configures the pebble backend
type Options struct {
	CacheSizeMB int64
	// Sync makes every write durable before it returns
	Sync bool
}

// Store is a persistence backend on a local pebble LSM
type Store struct {
	path  string
	db    *pebble.DB
	cache *pebble.Cache
	wo    *pebble.WriteOptions
}

// Open opens or creates a pebble database in dir
func Open(dir string, opts Options) (*Store, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 8
	}
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	db, err := pebble.Open(dir, &pebble.Options{
		Cache:        cache,
		MemTableSize: 4 << 20,
	})
	if err != nil {
		cache.Unref()
		return nil, errors.Wrapf(err, "open pebble at %s", dir)
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	log.Infof("opened pebble store at %s (sync=%v)", dir, opts.Sync)
	return &Store{path: dir, db: db, cache: cache, wo: wo}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see persistence.Backend)
// --------------------------------------------------------------------------

func (s *Store) Name() string {
	return "pebble:" + s.path
}

func (s *Store) Load(key string) ([]byte, bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

func (s *Store) Store(key string, data []byte) error {
	return errors.WithStack(s.db.Set([]byte(key), data, s.wo))
}

func (s *Store) StoreBatch(ops []persistence.BatchOp) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, op := range ops {
		var err error
		if op.Data == nil {
			err = batch.Delete([]byte(op.Key), nil)
		} else {
			err = batch.Set([]byte(op.Key), op.Data, nil)
		}
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(batch.Commit(s.wo))
}

func (s *Store) Delete(key string) error {
	return errors.WithStack(s.db.Delete([]byte(key), s.wo))
}

func (s *Store) Contains(key string) (bool, error) {
	_, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	_ = closer.Close()
	return true, nil
}

// Scan iterates over a consistent snapshot
func (s *Store) Scan(fn func(key string, data []byte) error) error {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	iter := snap.NewIter(&pebble.IterOptions{})
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(string(iter.Key()), iter.Value()); err != nil {
			_ = iter.Close()
			if errors.Is(err, persistence.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return errors.WithStack(iter.Close())
}

func (s *Store) Close() error {
	err := s.db.Close()
	s.cache.Unref()
	return errors.WithStack(err)
}
