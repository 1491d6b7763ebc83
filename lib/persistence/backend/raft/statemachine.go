package raft

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/memory"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/raft/internal"
	"github.com/cockroachdb/errors"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// recordStateMachine replicates the encoded store records of a grid.
// Every replica keeps its copy in an ordered memory store.
type recordStateMachine struct {
	replicaID uint64
	shardID   uint64
	data      *memory.Store
}

// newStateMachineFactory returns the factory dragonboat uses to create the state machine of a shard
func newStateMachineFactory() sm.CreateConcurrentStateMachineFunc {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &recordStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			data:      memory.New(fmt.Sprintf("raft-%d-%d", shardID, replicaID)),
		}
	}
}

// Lookup handles read-only queries
func (fsm *recordStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, errs.Newf(errs.RetCInternalError, "invalid Query type: %T", itf)
	}

	switch q.Type {
	case internal.QueryTLoad:
		val, ok, err := fsm.data.Load(q.Key)
		if err != nil {
			return nil, err
		}
		return internal.QueryResult{Value: val, Ok: ok}, nil
	case internal.QueryTContains:
		return fsm.data.Contains(q.Key)
	case internal.QueryTScan:
		items := fsm.data.Items()
		pairs := make([]internal.Pair, len(items))
		for i, it := range items {
			pairs[i] = internal.Pair{Key: it.Key, Value: it.Data}
		}
		return pairs, nil
	default:
		return nil, errs.Newf(errs.RetCInvalidOperation, "unknown Query operation: %d", q.Type)
	}
}

func toBatchOp(cmd internal.Command) (persistence.BatchOp, error) {
	switch cmd.Type {
	case internal.CommandTStore:
		value := cmd.Value
		if value == nil {
			value = []byte{}
		}
		return persistence.BatchOp{Key: cmd.Key, Data: value}, nil
	case internal.CommandTDelete:
		return persistence.BatchOp{Key: cmd.Key}, nil
	default:
		return persistence.BatchOp{}, fmt.Errorf("unknown Command operation: %s", cmd.Type)
	}
}

// decodeOps flattens a (batch) command into backend operations
func decodeOps(cmd internal.Command) ([]persistence.BatchOp, error) {
	if cmd.Type != internal.CommandTBatch {
		op, err := toBatchOp(cmd)
		if err != nil {
			return nil, err
		}
		return []persistence.BatchOp{op}, nil
	}
	nested, err := cmd.Unbatch()
	if err != nil {
		return nil, err
	}
	ops := make([]persistence.BatchOp, 0, len(nested))
	for _, c := range nested {
		op, err := toBatchOp(c)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Update applies committed commands.
// The result value of every entry is an errs.RetCode, the data carries a message.
func (fsm *recordStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(errs.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}
		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(errs.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		ops, err := decodeOps(cmd)
		if err != nil {
			entries[idx].Result = sm.Result{Value: uint64(errs.RetCInvalidOperation), Data: []byte(err.Error())}
			continue
		}

		if err := fsm.data.StoreBatch(ops); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(errs.RetCPersistenceFailure), Data: []byte(err.Error())}
			continue
		}
		entries[idx].Result = sm.Result{
			Value: uint64(errs.RetCSuccess),
			Data:  []byte(fmt.Sprintf("%s: %d ops", cmd.Type, len(ops))),
		}
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("state machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot captures a point in time copy of the records
func (fsm *recordStateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.data.Items(), nil
}

// SaveSnapshot writes the prepared copy as a sequence of
// (uvarint key length, key, uvarint value length, value) frames
func (fsm *recordStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, done <-chan struct{}) error {
	items, ok := ctx.([]persistence.BatchOp)
	if !ok {
		return errors.Newf("unexpected snapshot context %T", ctx)
	}
	w := bufio.NewWriter(writer)
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(items)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	for i, it := range items {
		if i%1024 == 0 {
			select {
			case <-done:
				return sm.ErrSnapshotStopped
			default:
			}
		}
		for _, field := range [][]byte{[]byte(it.Key), it.Data} {
			n := binary.PutUvarint(buf[:], uint64(len(field)))
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			if _, err := w.Write(field); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// RecoverFromSnapshot replaces the content with the snapshot read from r
func (fsm *recordStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, done <-chan struct{}) error {
	br := bufio.NewReader(r)
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return errors.Wrap(err, "read snapshot header")
	}
	readField := func() ([]byte, error) {
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		_, err = io.ReadFull(br, b)
		return b, err
	}
	items := make([]persistence.BatchOp, 0, count)
	for i := uint64(0); i < count; i++ {
		if i%1024 == 0 {
			select {
			case <-done:
				return sm.ErrSnapshotStopped
			default:
			}
		}
		key, err := readField()
		if err != nil {
			return errors.Wrapf(err, "read snapshot key %d", i)
		}
		value, err := readField()
		if err != nil {
			return errors.Wrapf(err, "read snapshot value %d", i)
		}
		items = append(items, persistence.BatchOp{Key: string(key), Data: value})
	}
	fsm.data.Reset(items)
	log.Infof("shard %d replica %d recovered %d records from snapshot", fsm.shardID, fsm.replicaID, len(items))
	return nil
}

func (fsm *recordStateMachine) Close() error {
	return fsm.data.Close()
}
