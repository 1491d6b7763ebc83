package raft

import (
	"context"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/raft/internal"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("persistence")
)

// Store is a persistence backend replicated with raft. All grid members that
// share the store propose their writes to the same shard, so every member can
// preload the complete data set after a restart.
type Store struct {
	nh      *dragonboat.NodeHost
	owned   bool
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewStore creates a store on a shard that is already running on nh.
// Closing the store does not close nh.
func NewStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) *Store {
	return &Store{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// Open creates a NodeHost from cfg, starts the replica and waits until the shard has a leader
func Open(cfg Config) (*Store, error) {
	nh, err := dragonboat.NewNodeHost(cfg.ToNodeHostConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create node host")
	}
	if err := nh.StartConcurrentReplica(cfg.initialMembers(), cfg.Join, newStateMachineFactory(), cfg.ToShardConfig()); err != nil {
		nh.Close()
		return nil, errors.Wrapf(err, "failed to start shard %d", cfg.ShardID)
	}
	s := NewStore(nh, cfg.ShardID, cfg.timeout())
	s.owned = true

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout()*time.Duration(retries))
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		nh.Close()
		return nil, err
	}
	log.Infof("raft store ready: shard=%d replica=%d address=%s", cfg.ShardID, cfg.ReplicaID, cfg.Members[cfg.ReplicaID])
	return s, nil
}

// WaitReady blocks until the shard has elected a leader
func (s *Store) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, _, ok, err := s.nh.GetLeaderID(s.shardID); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "shard %d has no leader", s.shardID)
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// write proposes cmd and waits until it was applied
func (s *Store) write(cmd internal.Command) error {
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		res, err := s.nh.SyncPropose(ctx, s.cs, cmd.Serialize())
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) || errors.Is(err, dragonboat.ErrShardNotReady) {
			log.Infof("SyncPropose: shard busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return errors.Wrap(err, "propose")
		}
		if res.Value != uint64(errs.RetCSuccess) {
			return errs.New(errs.RetCode(res.Value), string(res.Data))
		}
		return nil
	}
	return errors.Newf("propose on shard %d: retries exhausted", s.shardID)
}

// read queries the state machine with a linearizable read
// and converts the response into the expected type R.
func read[R any](s *Store, q internal.Query) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		res, err := s.nh.SyncRead(ctx, s.shardID, q)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) || errors.Is(err, dragonboat.ErrShardNotReady) {
			log.Infof("SyncRead: shard busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return zero, errors.Wrapf(err, "read %s", q.Type)
		}
		casted, ok := res.(R)
		if !ok {
			return zero, errors.Newf("unexpected type: received %T, expected %T", res, zero)
		}
		return casted, nil
	}
	return zero, errors.Newf("read on shard %d: retries exhausted", s.shardID)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see persistence.Backend)
// --------------------------------------------------------------------------

func (s *Store) Name() string {
	return "raft:" + s.nh.ID()
}

func (s *Store) Load(key string) ([]byte, bool, error) {
	res, err := read[internal.QueryResult](s, internal.Query{Type: internal.QueryTLoad, Key: key})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Ok, nil
}

func (s *Store) Store(key string, data []byte) error {
	return s.write(internal.Command{Type: internal.CommandTStore, Key: key, Value: data})
}

func (s *Store) StoreBatch(ops []persistence.BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	cmds := make([]internal.Command, len(ops))
	for i, op := range ops {
		if op.Data == nil {
			cmds[i] = internal.Command{Type: internal.CommandTDelete, Key: op.Key}
		} else {
			cmds[i] = internal.Command{Type: internal.CommandTStore, Key: op.Key, Value: op.Data}
		}
	}
	return s.write(internal.NewBatch(cmds))
}

func (s *Store) Delete(key string) error {
	return s.write(internal.Command{Type: internal.CommandTDelete, Key: key})
}

func (s *Store) Contains(key string) (bool, error) {
	return read[bool](s, internal.Query{Type: internal.QueryTContains, Key: key})
}

func (s *Store) Scan(fn func(key string, data []byte) error) error {
	pairs, err := read[[]internal.Pair](s, internal.Query{Type: internal.QueryTScan})
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := fn(p.Key, p.Value); err != nil {
			if errors.Is(err, persistence.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close stops the node host if the store created it
func (s *Store) Close() error {
	if s.owned {
		s.nh.Close()
	}
	return nil
}
