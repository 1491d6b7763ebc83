package serve

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dGrid/cmd/util"
	"github.com/ValentinKolb/dGrid/lib/grid"
	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/ValentinKolb/dGrid/lib/transport/gossip"
	"github.com/ValentinKolb/dGrid/lib/util"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/server"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("serve")

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start a grid member",
		Long: `Start a grid member with the specified configuration. The configuration can be set via command line flags, a config file or environment variables. The format of the environment variables is DGRID_<flag> (e.g. DGRID_LOCK_TIMEOUT=15).

Members find each other through the gossip seeds. On the first start the members form a fresh cluster; after a coordinated shutdown (dgrid cluster shutdown) exactly the members of the last view must come back before the cluster accepts transactions again.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "config"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional config file (yaml, json or toml) with the same keys as the flags"))

	// Identity
	key = "node-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Stable id of this member (e.g. 'node-1'), required"))
	key = "cluster"
	ServeCmd.PersistentFlags().String(key, "dgrid", cmdUtil.WrapString("Name of the cluster; every member must use the same name"))
	key = "state-dir"
	ServeCmd.PersistentFlags().String(key, "state", cmdUtil.WrapString("Directory the member keeps its persisted global state in"))

	// Membership
	key = "gossip-bind"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0", cmdUtil.WrapString("Address the gossip listener binds to"))
	key = "gossip-port"
	ServeCmd.PersistentFlags().Int(key, 7946, cmdUtil.WrapString("Port of the gossip listener"))
	key = "seeds"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated gossip addresses of members to join through (e.g. 'node-1:7946,node-2:7946')"))

	// RPC
	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address the rpc server listens on for members and clients (e.g. 0.0.0.0:8080, /tmp/dgrid.sock)"))
	key = "advertise"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The rpc address other members use to reach this member. Defaults to the listen address"))
	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds for client requests, the prepare phase and raft proposals"))
	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 32, cmdUtil.WrapString("Requests of one connection processed concurrently"))
	key = "admin"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the admin HTTP endpoint (metrics, view, tasks, shutdown). Empty disables it"))

	// Transactions
	key = "isolation"
	ServeCmd.PersistentFlags().String(key, "REPEATABLE_READ", cmdUtil.WrapString("Isolation level of transactions (REPEATABLE_READ, READ_COMMITTED)"))
	key = "write-skew-check"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Validate the read set of transactions at commit time"))
	key = "strict"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Roll back transactions the store failed to persist (false only reports the failure)"))
	key = "lock-timeout"
	ServeCmd.PersistentFlags().Int64(key, 10, cmdUtil.WrapString("Seconds a transaction waits for the locks of its write set"))

	// Persistence
	key = "store"
	ServeCmd.PersistentFlags().String(key, grid.BackendNone, cmdUtil.WrapString("Store backend (none, memory, file, pebble, raft)"))
	key = "store-path"
	ServeCmd.PersistentFlags().String(key, "data/store", cmdUtil.WrapString("Directory of the file and pebble backends"))
	key = "write-mode"
	ServeCmd.PersistentFlags().String(key, "write-through", cmdUtil.WrapString("Store write mode (write-through, write-behind)"))
	key = "preload"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Load the store into the cache on start"))
	key = "purge-on-startup"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Clear the store on start"))

	// Raft store
	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("(raft store) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value*10, HeartbeatRTT=value*1) are derived from this value"))
	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 10000, cmdUtil.WrapString("(raft store) SnapshotEntries defines how often the state machine should be snapshotted automatically, in applied Raft log entries. 0 disables automatic snapshotting (not recommended)"))
	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 5000, cmdUtil.WrapString("(raft store) CompactionOverhead defines the number of log entries kept after a snapshot"))
	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data/raft", cmdUtil.WrapString("(raft store) DataDir is the directory used for the raft log and snapshots"))
	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft store) ReplicaID is the unique identifier of this NodeHost instance (e.g. 'node-1'). Defaults to the node id"))
	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft store) ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	// Authorization
	key = "auth"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Enforce role based authorization of cache operations"))
	key = "roles"
	ServeCmd.PersistentFlags().String(key, "admin=ALL", cmdUtil.WrapString("Comma-separated roles in the format 'role=PERM|PERM' with permissions READ, WRITE, EXEC, ADMIN, ALL"))
	key = "admin-subject"
	ServeCmd.PersistentFlags().String(key, "admin", cmdUtil.WrapString("Subject requests of the admin endpoint run as"))
	key = "client-subject"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Subject rpc clients run as; with the identity role mapper the subject name is its role"))

	// Indexing
	key = "index-file"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Append every committed change as a JSON line to this file. Empty disables indexing"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", file)
		}
	}

	c := serveCmdConfig
	c.NodeID = viper.GetString("node-id")
	if c.NodeID == "" {
		return fmt.Errorf("node-id is required")
	}
	c.ClusterName = viper.GetString("cluster")
	c.StateDir = viper.GetString("state-dir")

	c.GossipBind = viper.GetString("gossip-bind")
	c.GossipPort = viper.GetInt("gossip-port")
	c.Seeds = splitList(viper.GetString("seeds"))

	c.TransportName = viper.GetString("transport")
	c.Serializer = viper.GetString("serializer")
	c.Transport = common.TransportConfig{
		Endpoint:       viper.GetString("endpoint"),
		WorkersPerConn: viper.GetInt("workers-per-conn"),
		TCPNoDelay:     true,
	}
	c.Advertise = viper.GetString("advertise")
	c.TimeoutSecond = viper.GetInt64("timeout")
	c.AdminEndpoint = viper.GetString("admin")

	c.Isolation = viper.GetString("isolation")
	c.WriteSkewCheck = viper.GetBool("write-skew-check")
	c.Strict = viper.GetBool("strict")
	c.LockTimeoutSecond = viper.GetInt64("lock-timeout")

	c.StoreBackend = viper.GetString("store")
	c.StorePath = viper.GetString("store-path")
	c.WriteMode = viper.GetString("write-mode")
	c.Preload = viper.GetBool("preload")
	c.PurgeOnStartup = viper.GetBool("purge-on-startup")

	c.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	c.SnapshotEntries = viper.GetUint64("snapshot-entries")
	c.CompactionOverhead = viper.GetUint64("compaction-overhead")
	c.DataDir = viper.GetString("data-dir")

	c.AuthEnabled = viper.GetBool("auth")
	c.ClientSubject = viper.GetString("client-subject")
	c.AdminSubject = viper.GetString("admin-subject")
	c.IndexFile = viper.GetString("index-file")
	c.LogLevel = viper.GetString("log-level")

	roles, err := parseRoles(viper.GetString("roles"))
	if err != nil {
		return err
	}
	c.Roles = roles

	if c.StoreBackend != grid.BackendRaft {
		return nil
	}

	// parse replica id
	replica := viper.GetString("replica-id")
	if replica == "" {
		replica = c.NodeID
	}
	c.ReplicaID = util.HashString(replica, 0)

	// parse cluster members
	members := viper.GetString("cluster-members")
	if members == "" {
		return fmt.Errorf("cluster-members is required for the raft store")
	}
	c.ClusterMembers = make(map[uint64]string)
	for _, member := range splitList(members) {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		c.ClusterMembers[util.HashString(parts[0], 0)] = parts[1]
	}

	// test if the replica id is in the cluster members
	if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
		return fmt.Errorf("no address found for replica %s in cluster members", replica)
	}
	return nil
}

// parseRoles reads "role=PERM|PERM,role=PERM"
func parseRoles(s string) (map[string][]string, error) {
	roles := make(map[string][]string)
	for _, entry := range splitList(s) {
		name, perms, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid role format: %s (expected role=PERM|PERM)", entry)
		}
		roles[strings.TrimSpace(name)] = strings.Split(perms, "|")
	}
	return roles, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run starts the member and blocks until it stops
func run(_ *cobra.Command, _ []string) error {
	c := serveCmdConfig
	if err := common.InitLoggers(c.LogLevel); err != nil {
		return err
	}
	log.Infof("Starting grid member%s", c.String())

	gridCfg, err := c.ToGridConfig()
	if err != nil {
		return err
	}
	s, err := serializer.ByName(c.Serializer)
	if err != nil {
		return err
	}
	st, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}
	if _, err := cmdUtil.GetTransport(); err != nil {
		return err
	}

	// RPC server: members and clients share the listener
	srv := server.NewRPCServer(*c, st, s)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()
	defer srv.Close()

	addr, err := waitForListener(srv, serveErr)
	if err != nil {
		return err
	}

	// Group membership
	peers, err := gossip.New(gossip.Config{
		NodeID:     topology.MemberID(c.NodeID),
		BindAddr:   c.GossipBind,
		BindPort:   c.GossipPort,
		Seeds:      c.Seeds,
		RPCAddr:    advertiseAddr(c, addr),
		Serializer: s,
		Client: common.ClientConfig{
			TimeoutSecond: 0,
			Transport:     common.TransportConfig{RetryCount: 1, TCPNoDelay: true},
		},
		NewClientTransport: func() transport.IRPCClientTransport {
			t, _ := cmdUtil.GetTransport()
			return t
		},
	})
	if err != nil {
		return err
	}
	srv.Handle(transport.ChannelPeer, peers.Deliver)

	// Node
	backend, err := grid.OpenBackend(gridCfg.Store)
	if err != nil {
		_ = peers.Leave()
		return errors.Wrap(err, "failed to open the store")
	}
	if c.IndexFile != "" {
		idx, err := newFileIndexer(c.IndexFile)
		if err != nil {
			_ = peers.Leave()
			return err
		}
		defer idx.Close()
		gridCfg.Indexer = idx
	}
	node, err := grid.NewNode(peers, backend, gridCfg)
	if err != nil {
		_ = peers.Leave()
		return err
	}
	defer node.Close()
	node.Tasks().RegisterEngine(builtinTasks(node))
	srv.Handle(transport.ChannelClient, server.NewClientAdapter(node, c.ClientSubject))

	// Admin endpoint
	if c.AdminEndpoint != "" {
		admin, err := startAdmin(c.AdminEndpoint, node, c.AdminSubject)
		if err != nil {
			return err
		}
		defer admin.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to join the cluster")
	}
	log.Infof("%s is running in %s", c.NodeID, node.View())

	select {
	case <-ctx.Done():
		log.Infof("%s leaves the cluster", c.NodeID)
	case <-node.Membership().Stopped():
		log.Infof("%s stopped after a cluster shutdown", c.NodeID)
	case err := <-serveErr:
		return errors.Wrap(err, "rpc server failed")
	}
	return nil
}

// waitForListener waits until the rpc server listens or failed to
func waitForListener(srv *server.RPCServer, serveErr <-chan error) (net.Addr, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(10 * time.Second)
	for {
		if addr := srv.Addr(); addr != nil {
			return addr, nil
		}
		select {
		case err := <-serveErr:
			return nil, errors.Wrap(err, "rpc server failed to start")
		case <-timeout:
			return nil, errors.New("rpc server did not start listening")
		case <-ticker.C:
		}
	}
}

// advertiseAddr is the address other members send requests to
func advertiseAddr(c *common.ServerConfig, listening net.Addr) string {
	if c.Advertise != "" {
		return c.Advertise
	}
	addr := listening.String()
	if c.TransportName == "http" {
		return "http://" + addr
	}
	return addr
}
