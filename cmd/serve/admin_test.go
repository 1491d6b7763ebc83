package serve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/cluster"
	"github.com/ValentinKolb/dGrid/lib/container"
	"github.com/ValentinKolb/dGrid/lib/grid"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/ValentinKolb/dGrid/lib/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T, mutate func(*grid.Config)) *grid.Node {
	t.Helper()
	l, err := transport.NewNetwork(nil).Join("n1")
	require.NoError(t, err)
	cfg := grid.DefaultConfig()
	cfg.StateDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	node, err := grid.NewNode(l, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })
	node.Tasks().RegisterEngine(builtinTasks(node))
	require.NoError(t, node.Start(context.Background()))
	return node
}

func adminFor(node *grid.Node, subject string) *httptest.Server {
	a := &adminServer{node: node}
	if subject != "" {
		a.subject = security.NewSubject(subject)
	}
	return httptest.NewServer(a.router())
}

func TestAdminViewAndMetrics(t *testing.T) {
	node := testNode(t, nil)
	require.NoError(t, node.Put(context.Background(), "k", []byte("v"), container.Immortal()))
	srv := adminFor(node, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cluster/view")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info cluster.ViewInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, node.ID(), info.Member)
	assert.Equal(t, 1, info.Entries)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dgrid_container_entries 1")

	resp, err = http.Post(srv.URL+"/cluster/view", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdminRunsTasks(t *testing.T) {
	node := testNode(t, nil)
	ctx := context.Background()
	require.NoError(t, node.Put(ctx, "a", []byte("1"), container.Immortal()))
	srv := adminFor(node, "")
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks/copy?from=a&to=b&lifespan=1h", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	value, ok, err := node.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), value)
	e, _ := node.Container().Peek("b")
	assert.Equal(t, time.Hour, e.Metadata.Lifespan)

	resp, err = http.Post(srv.URL+"/tasks/copy", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/tasks/unknown", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list taskList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.ElementsMatch(t, []string{"copy", "info", "reindex"}, list.Available)
}

func TestAdminShutdownNeedsAdmin(t *testing.T) {
	node := testNode(t, func(cfg *grid.Config) {
		cfg.Security = security.Config{
			Enabled: true,
			Roles:   map[string]security.Permission{"reader": security.PermRead},
		}
	})
	srv := adminFor(node, "reader")
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/cluster/shutdown", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body["code"])
}

func TestFileIndexer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.jsonl")
	idx, err := newFileIndexer(path)
	require.NoError(t, err)

	node := testNode(t, func(cfg *grid.Config) { cfg.Indexer = idx })
	ctx := context.Background()
	require.NoError(t, node.Put(ctx, "k", []byte("v"), container.Immortal()))
	require.NoError(t, node.Remove(ctx, "k"))
	require.NoError(t, node.Indexing().Flush(ctx))
	require.NoError(t, idx.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)

	var first indexLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "k", first.Key)
	assert.Equal(t, []byte("v"), first.Value)
	assert.Contains(t, lines[1], `"key":"k"`)
}
