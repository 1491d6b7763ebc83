package common

import (
	"testing"

	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/ValentinKolb/dGrid/lib/txn"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGridConfig(t *testing.T) {
	c := ServerConfig{
		ClusterName:       "prod",
		Isolation:         "READ_COMMITTED",
		WriteSkewCheck:    false,
		Strict:            true,
		LockTimeoutSecond: 3,
		StoreBackend:      "pebble",
		StorePath:         "/tmp/x",
		WriteMode:         "write-behind",
		Preload:           true,
		AuthEnabled:       true,
		Roles:             map[string][]string{"admin": {"ALL"}, "reader": {"read"}},
	}
	cfg, err := c.ToGridConfig()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Cluster)
	assert.Equal(t, txn.ReadCommitted, cfg.Isolation)
	assert.Equal(t, persistence.WriteBehind, cfg.Store.Mode)
	assert.Equal(t, "pebble", cfg.Store.Backend)
	assert.True(t, cfg.Security.Enabled)
	assert.Equal(t, security.PermRead, cfg.Security.Roles["reader"])
	assert.Equal(t, security.PermAll, cfg.Security.Roles["admin"])

	c.Isolation = "SERIALIZABLE"
	_, err = c.ToGridConfig()
	assert.Error(t, err)

	c.Isolation, c.WriteMode = "", "write-around"
	_, err = c.ToGridConfig()
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]logger.LogLevel{
		"debug": logger.DEBUG,
		"INFO":  logger.INFO,
		"warn":  logger.WARNING,
		"error": logger.ERROR,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestServerConfigString(t *testing.T) {
	c := ServerConfig{NodeID: "n1", StoreBackend: "raft", ReplicaID: 1, ClusterMembers: map[uint64]string{1: "h1:63001", 2: "h2:63001"}}
	out := c.String()
	assert.Contains(t, out, "NODE IDENTITY")
	assert.Contains(t, out, "Replica 2: h2:63001")
}
