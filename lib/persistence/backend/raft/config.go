package raft

import (
	"time"

	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/config"
)

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// Config describes the raft replica a grid member runs for the shared store
type Config struct {
	ShardID   uint64
	ReplicaID uint64
	// Members maps replica ids to raft addresses (host:port)
	Members map[uint64]string
	// Join starts the replica as a new member of a running shard
	Join bool

	DataDir            string
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	Timeout            time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

func (c Config) initialMembers() map[uint64]dragonboat.Target {
	if c.Join {
		return nil
	}
	members := make(map[uint64]dragonboat.Target, len(c.Members))
	for id, addr := range c.Members {
		members[id] = addr
	}
	return members
}

// ToShardConfig converts c to the Dragonboat shard config
func (c Config) ToShardConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c Config) ToNodeHostConfig() config.NodeHostConfig {
	rtt := c.RTTMillisecond
	if rtt == 0 {
		rtt = 100
	}
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: rtt,
		RaftAddress:    c.Members[c.ReplicaID],
	}
}
