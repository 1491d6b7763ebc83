package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dGrid/lib/grid"
	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/persistence/backend/raft"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/ValentinKolb/dGrid/lib/txn"
	"github.com/cockroachdb/errors"
)

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// --------------------------------------------------------------------------
// Transport configuration (shared by server and client)
// --------------------------------------------------------------------------

// TransportConfig tunes the framed socket transports
type TransportConfig struct {
	// Server side
	Endpoint        string
	WorkersPerConn  int
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int

	// Client side
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
}

// --------------------------------------------------------------------------
// Server configuration
// --------------------------------------------------------------------------

// ServerConfig holds every setting of a grid member process
type ServerConfig struct {
	// Identity
	NodeID      string
	ClusterName string
	StateDir    string

	// Group membership (memberlist)
	GossipBind string
	GossipPort int
	Seeds      []string

	// Member and client traffic
	TransportName string // tcp or http
	Serializer    string // json, gob or binary
	Transport     TransportConfig
	Advertise     string // rpc address published to other members ("" uses Transport.Endpoint)
	TimeoutSecond int64

	// Admin HTTP endpoint ("" disables it)
	AdminEndpoint string

	// Transactions
	Isolation         string
	WriteSkewCheck    bool
	Strict            bool
	LockTimeoutSecond int64

	// Persistence
	StoreBackend   string
	StorePath      string
	WriteMode      string
	Preload        bool
	PurgeOnStartup bool

	// Dragonboat parameters of the raft store backend
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// Authorization
	AuthEnabled   bool
	Roles         map[string][]string // role -> permission names
	ClientSubject string              // subject client requests run as
	AdminSubject  string              // subject admin endpoint requests run as

	// Indexing ("" disables it)
	IndexFile string

	// Logging configuration
	LogLevel string
}

// ToRaftConfig converts the dragonboat parameters into the raft backend config
func (c *ServerConfig) ToRaftConfig() raft.Config {
	return raft.Config{
		ShardID:            1,
		ReplicaID:          c.ReplicaID,
		Members:            c.ClusterMembers,
		DataDir:            c.DataDir,
		RTTMillisecond:     c.RTTMillisecond,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		Timeout:            time.Duration(c.TimeoutSecond) * time.Second,
	}
}

// ToGridConfig builds the node configuration
func (c *ServerConfig) ToGridConfig() (grid.Config, error) {
	cfg := grid.DefaultConfig()
	if c.ClusterName != "" {
		cfg.Cluster = c.ClusterName
	}
	cfg.StateDir = c.StateDir

	iso, err := txn.ParseIsolation(c.Isolation)
	if err != nil {
		return cfg, err
	}
	cfg.Isolation = iso
	cfg.WriteSkewCheck = c.WriteSkewCheck
	cfg.Strict = c.Strict
	if c.LockTimeoutSecond > 0 {
		cfg.LockTimeout = time.Duration(c.LockTimeoutSecond) * time.Second
	}
	if c.TimeoutSecond > 0 {
		cfg.PrepareTimeout = time.Duration(c.TimeoutSecond) * time.Second
	}

	mode, err := persistence.ParseWriteMode(c.WriteMode)
	if err != nil {
		return cfg, err
	}
	cfg.Preload = c.Preload
	cfg.PurgeOnStartup = c.PurgeOnStartup
	cfg.Store.Backend = c.StoreBackend
	cfg.Store.Path = c.StorePath
	cfg.Store.Mode = mode
	cfg.Store.Raft = c.ToRaftConfig()

	if c.AuthEnabled {
		roles, err := security.ParseRoles(c.Roles)
		if err != nil {
			return cfg, errors.Wrap(err, "invalid roles")
		}
		cfg.Security = security.Config{Enabled: true, Roles: roles}
	}
	return cfg, nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Node ID", c.NodeID)
	addField("Cluster", c.ClusterName)
	addField("State Directory", c.StateDir)

	addSection("Membership")
	addField("Gossip Address", fmt.Sprintf("%s:%d", c.GossipBind, c.GossipPort))
	addField("Seeds", strings.Join(c.Seeds, ", "))

	addSection("RPC Server")
	addField("Transport", c.TransportName)
	addField("Serializer", c.Serializer)
	addField("Endpoint", c.Transport.Endpoint)
	if c.Advertise != "" {
		addField("Advertise", c.Advertise)
	}
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	if c.AdminEndpoint != "" {
		addField("Admin Endpoint", c.AdminEndpoint)
	}

	addSection("Transactions")
	addField("Isolation", c.Isolation)
	addField("Write Skew Check", strconv.FormatBool(c.WriteSkewCheck))
	addField("Strict Persistence", strconv.FormatBool(c.Strict))
	addField("Lock Timeout", fmt.Sprintf("%d sec", c.LockTimeoutSecond))

	addSection("Persistence")
	addField("Backend", c.StoreBackend)
	if c.StorePath != "" {
		addField("Path", c.StorePath)
	}
	addField("Write Mode", c.WriteMode)
	addField("Preload", strconv.FormatBool(c.Preload))
	addField("Purge On Startup", strconv.FormatBool(c.PurgeOnStartup))

	if c.AuthEnabled {
		addSection("Authorization")
		roles := make([]string, 0, len(c.Roles))
		for r := range c.Roles {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		for _, r := range roles {
			addField(r, strings.Join(c.Roles[r], "|"))
		}
		addField("Client Subject", c.ClientSubject)
		addField("Admin Subject", c.AdminSubject)
	}

	if c.IndexFile != "" {
		addSection("Indexing")
		addField("Index File", c.IndexFile)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	if c.StoreBackend == grid.BackendRaft {
		addSection("RAFT Parameters")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Replica ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
		addField("Data Directory", c.DataDir)

		sb.WriteString("  Initial Members:\n")
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Replica %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures a client of a member's rpc endpoint
type ClientConfig struct {
	Transport     TransportConfig
	TimeoutSecond int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
