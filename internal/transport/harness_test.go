package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicator/internal/actions"
	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/coordinator"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/shard"
	"github.com/dreamware/replicator/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNodes = []string{"node-1", "node-2", "node-3"}

// testNode hosts the copies the registry assigned to it.
type testNode struct {
	id     string
	shards map[cluster.ShardID]*shard.Shard
	coord  *replication.Coordinator
	server *httptest.Server
	engine http.Handler
	mu     sync.RWMutex
}

func (n *testNode) Shard(id cluster.ShardID) (*shard.Shard, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sh, ok := n.shards[id]
	return sh, ok
}

func (n *testNode) Shards() []*shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*shard.Shard, 0, len(n.shards))
	for _, sh := range n.shards {
		out = append(out, sh)
	}
	return out
}

// testCluster is three nodes sharing one cluster state. Index "users" has
// numShards shards, primaries on node-1 and replicas on node-2 and node-3.
type testCluster struct {
	registry *coordinator.ShardRegistry
	state    *cluster.Service
	local    *Local
	nodes    map[string]*testNode
	ids      []cluster.ShardID
}

func testReplicationConfig() replication.Config {
	return replication.Config{
		MaxRetries:     3,
		PermitTimeout:  2 * time.Second,
		ReplicaTimeout: 2 * time.Second,
		RetryTimeout:   5 * time.Second,
	}
}

// newTestCluster wires the nodes through Local, or through HTTP servers
// when overHTTP is set.
func newTestCluster(t *testing.T, numShards int, overHTTP bool) *testCluster {
	t.Helper()
	state := cluster.NewService(nil)
	registry := coordinator.NewShardRegistry(state)
	tc := &testCluster{
		registry: registry,
		state:    state,
		local:    NewLocal(),
		nodes:    make(map[string]*testNode),
	}

	for _, id := range testNodes {
		n := &testNode{id: id, shards: make(map[cluster.ShardID]*shard.Shard)}
		addr := "local://" + id
		if overHTTP {
			n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n.engine.ServeHTTP(w, r)
			}))
			t.Cleanup(n.server.Close)
			addr = n.server.URL
		}
		require.NoError(t, registry.RegisterNode(cluster.NodeInfo{ID: id, Addr: addr}))
		tc.nodes[id] = n
	}

	ids, err := registry.CreateIndex("users", "", numShards)
	require.NoError(t, err)
	tc.ids = ids
	for _, id := range ids {
		_, err := registry.AssignPrimary(id, "node-1")
		require.NoError(t, err)
		for _, n := range testNodes[1:] {
			_, err := registry.AssignReplica(id, n)
			require.NoError(t, err)
		}
	}

	current := state.Current()
	for _, n := range tc.nodes {
		for _, c := range registry.NodeCopies(current, n.id) {
			rt, _ := current.Shard(c.ShardID)
			role := shard.RoleReplica
			if c.Primary {
				role = shard.RolePrimary
			}
			n.shards[c.ShardID] = shard.NewShard(c.ShardID, c.AllocationID, role, rt.PrimaryTerm, storage.NewMemoryStore())
		}

		registryActions, err := replication.NewRegistry(actions.All(state)...)
		require.NoError(t, err)
		var tr replication.Transport = tc.local
		if overHTTP {
			tr = NewHTTP(state)
		}
		n.coord = replication.New(replication.Env{
			State:     state,
			Routing:   registry,
			Shards:    n,
			Transport: tr,
			Actions:   registryActions,
			Logger:    zerolog.Nop(),
			NodeID:    n.id,
			Config:    testReplicationConfig(),
		})
		tc.local.Register(n.id, n.coord)
		if overHTTP {
			n.engine = NewServer(ServerConfig{
				Coordinator: n.coord,
				Registry:    registry,
				Shards:      n,
				Logger:      zerolog.Nop(),
				NodeID:      n.id,
			}).Engine()
		}
	}

	t.Cleanup(func() {
		for _, n := range tc.nodes {
			for _, sh := range n.Shards() {
				_ = sh.Close(context.Background())
			}
		}
	})
	return tc
}

func (tc *testCluster) url(nodeID, path string) string {
	return tc.nodes[nodeID].server.URL + path
}
