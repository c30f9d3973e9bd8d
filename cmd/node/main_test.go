package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicator/internal/config"
	"github.com/dreamware/replicator/internal/shard"
	"github.com/dreamware/replicator/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// runningNode is an app serving on a loopback listener.
type runningNode struct {
	app    *app
	cancel context.CancelFunc
	done   chan error
	addr   string
}

func (r *runningNode) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func start(t *testing.T, cfg config.Config, ln net.Listener) *runningNode {
	t.Helper()
	a, err := newApp(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningNode{app: a, cancel: cancel, done: make(chan error, 1), addr: ln.Addr().String()}
	go func() { r.done <- a.serve(ctx, ln) }()
	return r
}

// clusterConfigs returns the configs of a cluster with one node per
// listener and index "users" with one shard replicated to every node.
func clusterConfigs(lns ...net.Listener) []config.Config {
	nodes := make([]config.NodeEntry, len(lns))
	for i, ln := range lns {
		nodes[i] = config.NodeEntry{ID: fmt.Sprintf("node-%d", i+1), Addr: ln.Addr().String()}
	}
	cfgs := make([]config.Config, len(lns))
	for i := range lns {
		cfg := config.Default()
		cfg.Node.ID = nodes[i].ID
		cfg.Health.Enabled = false
		cfg.Replication.RetryTimeout = 5 * time.Second
		cfg.Cluster = config.ClusterConfig{
			Nodes:   nodes,
			Indices: []config.IndexEntry{{Name: "users", Shards: 1, Replicas: len(lns) - 1}},
		}
		cfgs[i] = cfg
	}
	return cfgs
}

func request(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestSingleNode(t *testing.T) {
	ln := listen(t)
	cfg := clusterConfigs(ln)[0]
	cfg.Storage = config.StorageConfig{Engine: config.EngineBolt, DataDir: t.TempDir()}
	n := start(t, cfg, ln)

	status, data := request(t, http.MethodPut, "http://"+n.addr+"/_doc/users/alice", `{"age":30}`)
	require.Equal(t, http.StatusCreated, status, string(data))
	var doc transport.DocResponse
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1, doc.ShardInfo.Total)

	status, data = request(t, http.MethodGet, "http://"+n.addr+"/_doc/users/alice", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"_index":"users","_id":"alice","found":true,"_source":{"age":30}}`, string(data))

	n.stop(t)
	for _, s := range n.app.node.Shards() {
		assert.Equal(t, shard.ShardStateClosed, s.State())
	}

	// The bolt file keeps the document across restarts.
	ln = listen(t)
	cfg.Cluster.Nodes[0].Addr = ln.Addr().String()
	n = start(t, cfg, ln)
	defer n.stop(t)
	status, _ = request(t, http.MethodGet, "http://"+n.addr+"/_doc/users/alice", "")
	assert.Equal(t, http.StatusOK, status)
	assert.FileExists(t, filepath.Join(cfg.Storage.DataDir, "users", "0.db"))
}

func TestTwoNodesReplicate(t *testing.T) {
	ln1, ln2 := listen(t), listen(t)
	cfgs := clusterConfigs(ln1, ln2)
	n1 := start(t, cfgs[0], ln1)
	defer n1.stop(t)
	n2 := start(t, cfgs[1], ln2)
	defer n2.stop(t)

	// node-2 holds the replica; the write is routed to node-1.
	status, data := request(t, http.MethodPut, "http://"+n2.addr+"/_doc/users/bob", `{"v":1}`)
	require.Equal(t, http.StatusCreated, status, string(data))
	var doc transport.DocResponse
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 2, doc.ShardInfo.Total)
	assert.Equal(t, 2, doc.ShardInfo.Successful)

	for _, n := range []*runningNode{n1, n2} {
		s := n.app.node.Shards()[0]
		v, err := s.Get("bob")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(v))
	}
}

func TestFailoverAfterPeerStops(t *testing.T) {
	ln1, ln2 := listen(t), listen(t)
	cfgs := clusterConfigs(ln1, ln2)
	for i := range cfgs {
		cfgs[i].Health = config.HealthConfig{Enabled: true, Interval: 20 * time.Millisecond, MaxFailures: 2}
	}
	n1 := start(t, cfgs[0], ln1)
	n2 := start(t, cfgs[1], ln2)
	defer n2.stop(t)

	replica := n2.app.node.Shards()[0]
	require.Equal(t, shard.RoleReplica, replica.Role())
	n1.stop(t)

	require.Eventually(t, func() bool { return replica.Role() == shard.RolePrimary }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), replica.PrimaryTerm())
	assert.False(t, n2.app.health.IsHealthy("node-1"))

	status, data := request(t, http.MethodPut, "http://"+n2.addr+"/_doc/users/carol", `{}`)
	require.Equal(t, http.StatusCreated, status, string(data))
	var doc transport.DocResponse
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, int64(2), doc.PrimaryTerm)
	assert.Equal(t, 1, doc.ShardInfo.Total)
}

func TestNewAppRejectsUnopenableStore(t *testing.T) {
	ln := listen(t)
	defer ln.Close()
	cfg := clusterConfigs(ln)[0]
	// A file where the data dir should be.
	file := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(file, []byte("not a dir"), 0o600))
	cfg.Storage = config.StorageConfig{Engine: config.EngineBolt, DataDir: file}

	_, err := newApp(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, newLogger("debug").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger("nonsense").GetLevel())
}

func TestMainConfigError(t *testing.T) {
	var msg string
	orig := logFatal
	logFatal = func(format string, args ...any) { msg = fmt.Sprintf(format, args...) }
	defer func() { logFatal = orig }()

	t.Setenv("REPLICATOR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	main()
	assert.Contains(t, msg, "config")
}
