package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/permits"
	"github.com/dreamware/replicator/internal/shard"
	"github.com/dreamware/replicator/internal/storage"
)

const (
	testWriteAction = "test:write"
	testBlockAction = "test:block"
)

var testShardID = cluster.ShardID{Index: "logs", IndexUUID: "uuid-logs", Shard: 0}

// testRouting reads routing straight from the snapshot. staleOnce and
// alwaysStale make ResolvePrimary report an allocation no node hosts.
type testRouting struct {
	state       *cluster.Service
	resolves    atomic.Int64
	staleOnce   atomic.Bool
	alwaysStale bool
}

func (r *testRouting) ResolvePrimary(state *cluster.State, id cluster.ShardID) (cluster.ShardCopy, int64, error) {
	r.resolves.Add(1)
	rt, ok := state.Shard(id)
	if !ok || rt.Primary == nil {
		return cluster.ShardCopy{}, 0, &ShardNotFoundError{ShardID: id}
	}
	primary := *rt.Primary
	if r.alwaysStale || r.staleOnce.CompareAndSwap(true, false) {
		primary.AllocationID = "alloc-gone"
	}
	return primary, rt.PrimaryTerm, nil
}

func (r *testRouting) InSyncReplicas(state *cluster.State, id cluster.ShardID) []cluster.ShardCopy {
	rt, _ := state.Shard(id)
	return rt.InSyncReplicas()
}

func (r *testRouting) MarkCopyStale(_ context.Context, id cluster.ShardID, allocationID string, primaryTerm int64, _ string) error {
	_, err := r.state.Update("mark-stale", func(s *cluster.State) (*cluster.State, error) {
		rt, ok := s.Shard(id)
		if !ok {
			return nil, fmt.Errorf("unknown shard %s", id)
		}
		if primaryTerm < rt.PrimaryTerm {
			return nil, fmt.Errorf("stale primary term %d", primaryTerm)
		}
		inSync := rt.InSync[:0:0]
		for _, a := range rt.InSync {
			if a != allocationID {
				inSync = append(inSync, a)
			}
		}
		rt.InSync = inSync
		return cluster.NewBuilder(s).PutShard(id, rt).Build(), nil
	})
	return err
}

type testShards struct {
	shards map[cluster.ShardID]*shard.Shard
	mu     sync.Mutex
}

func (s *testShards) Shard(id cluster.ShardID) (*shard.Shard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[id]
	return sh, ok
}

type testTransport struct {
	nodes        map[string]*Coordinator
	disconnected map[string]bool
	mu           sync.Mutex
}

func (t *testTransport) node(id string) (*Coordinator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.nodes[id]
	if !ok || t.disconnected[id] {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, id)
	}
	return c, nil
}

func (t *testTransport) disconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected[id] = true
}

func (t *testTransport) SendPrimary(ctx context.Context, nodeID string, req *PrimaryRequest) (*Response, error) {
	c, err := t.node(nodeID)
	if err != nil {
		return nil, err
	}
	return c.HandlePrimary(ctx, req)
}

func (t *testTransport) SendReplica(ctx context.Context, nodeID string, req *ReplicaRequest) (*ReplicaResponse, error) {
	c, err := t.node(nodeID)
	if err != nil {
		return nil, err
	}
	return c.HandleReplica(ctx, req)
}

// failingStore fails the next failPuts puts.
type failingStore struct {
	storage.Store
	failPuts int
}

func (f *failingStore) Put(key string, value []byte) error {
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("disk full")
	}
	return f.Store.Put(key, value)
}

// writeAction puts or deletes one document. failReplica makes the copy with
// that allocation id reject the operation.
type writeAction struct {
	failReplica string
}

func (a *writeAction) Name() string { return testWriteAction }

func (a *writeAction) BlockLevels() (cluster.BlockLevel, cluster.BlockLevel) {
	return cluster.BlockLevelWrite, cluster.BlockLevelWrite
}

func (a *writeAction) PermitMode() permits.Mode { return permits.Single }

func (a *writeAction) ApplyPrimary(_ context.Context, sh *shard.Shard, req *PrimaryRequest) (PrimaryResult, error) {
	var op storage.Operation
	if err := json.Unmarshal(req.Payload, &op); err != nil {
		return PrimaryResult{}, err
	}
	applied, err := sh.ApplyPrimary(op)
	if err != nil {
		return PrimaryResult{}, err
	}
	return PrimaryResult{SeqNo: applied.SeqNo}, nil
}

func (a *writeAction) ApplyReplica(_ context.Context, sh *shard.Shard, req *ReplicaRequest) error {
	if sh.AllocationID == a.failReplica {
		return fmt.Errorf("disk full on %s", sh.AllocationID)
	}
	var op storage.Operation
	if err := json.Unmarshal(req.Payload, &op); err != nil {
		return err
	}
	return sh.ApplyReplica(op, req.SeqNo)
}

// blockAction drains the shard and installs the global block in its
// payload. held is signalled once all primary permits are held; the block
// goes in when proceed is closed.
type blockAction struct {
	state   *cluster.Service
	held    chan struct{}
	proceed chan struct{}
}

func (a *blockAction) Name() string { return testBlockAction }

func (a *blockAction) BlockLevels() (cluster.BlockLevel, cluster.BlockLevel) {
	return cluster.BlockLevelNone, cluster.BlockLevelNone
}

func (a *blockAction) PermitMode() permits.Mode { return permits.All }

func (a *blockAction) ApplyPrimary(ctx context.Context, sh *shard.Shard, req *PrimaryRequest) (PrimaryResult, error) {
	if sh.ActiveOperationsCount() != permits.Blocked {
		return PrimaryResult{}, fmt.Errorf("expected all permits, got %d", sh.ActiveOperationsCount())
	}
	var block cluster.Block
	if err := json.Unmarshal(req.Payload, &block); err != nil {
		return PrimaryResult{}, err
	}
	if a.held != nil {
		close(a.held)
		select {
		case <-a.proceed:
		case <-ctx.Done():
			return PrimaryResult{}, ctx.Err()
		}
	}
	_, err := a.state.Update("add-block", func(s *cluster.State) (*cluster.State, error) {
		return cluster.NewBuilder(s).Blocks(s.Blocks.WithGlobal(block)).Build(), nil
	})
	return PrimaryResult{SeqNo: shard.NoOpsPerformed}, err
}

func (a *blockAction) ApplyReplica(_ context.Context, sh *shard.Shard, req *ReplicaRequest) error {
	if sh.ActiveOperationsCount() != permits.Blocked {
		return fmt.Errorf("expected all permits, got %d", sh.ActiveOperationsCount())
	}
	var block cluster.Block
	if err := json.Unmarshal(req.Payload, &block); err != nil {
		return err
	}
	if !a.state.Current().Blocks.HasGlobalBlock(block.ID) {
		return fmt.Errorf("block %d missing on replica", block.ID)
	}
	return nil
}

// testCluster is three nodes hosting one shard: primary alloc-1 on n1 and
// in-sync replicas alloc-2 on n2 and alloc-3 on n3, all at term 1.
type testCluster struct {
	state     *cluster.Service
	routing   *testRouting
	transport *testTransport
	coords    map[string]*Coordinator
	shards    map[string]*shard.Shard
	write     *writeAction
	block     *blockAction
}

var testNodes = []string{"n1", "n2", "n3"}

func newTestCluster(t *testing.T, cfg Config) *testCluster {
	t.Helper()

	routing := cluster.ShardRouting{
		PrimaryTerm: 1,
		Primary:     &cluster.ShardCopy{ShardID: testShardID, NodeID: "n1", AllocationID: "alloc-1", Primary: true},
		Replicas: []cluster.ShardCopy{
			{ShardID: testShardID, NodeID: "n2", AllocationID: "alloc-2"},
			{ShardID: testShardID, NodeID: "n3", AllocationID: "alloc-3"},
		},
		InSync: []string{"alloc-1", "alloc-2", "alloc-3"},
	}
	b := cluster.NewBuilder(nil).PutShard(testShardID, routing)
	for _, n := range testNodes {
		b.PutNode(cluster.NodeInfo{ID: n, Addr: "local://" + n})
	}
	svc := cluster.NewService(b.Build())

	tc := &testCluster{
		state:     svc,
		routing:   &testRouting{state: svc},
		transport: &testTransport{nodes: map[string]*Coordinator{}, disconnected: map[string]bool{}},
		coords:    map[string]*Coordinator{},
		shards:    map[string]*shard.Shard{},
		write:     &writeAction{},
		block:     &blockAction{state: svc},
	}
	actions, err := NewRegistry(tc.write, tc.block)
	require.NoError(t, err)

	for i, n := range testNodes {
		role := shard.RoleReplica
		if i == 0 {
			role = shard.RolePrimary
		}
		sh := shard.NewShard(testShardID, fmt.Sprintf("alloc-%d", i+1), role, 1, storage.NewMemoryStore())
		tc.shards[n] = sh
		c := New(Env{
			NodeID:    n,
			State:     svc,
			Routing:   tc.routing,
			Shards:    &testShards{shards: map[cluster.ShardID]*shard.Shard{testShardID: sh}},
			Transport: tc.transport,
			Actions:   actions,
			Logger:    zerolog.Nop(),
			Config:    cfg,
		})
		tc.coords[n] = c
		tc.transport.nodes[n] = c
	}
	return tc
}

func testConfig() Config {
	return Config{
		MaxRetries:     5,
		PermitTimeout:  2 * time.Second,
		ReplicaTimeout: 2 * time.Second,
		RetryTimeout:   5 * time.Second,
	}
}

func putPayload(t *testing.T, key, value string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(storage.Operation{Type: storage.OpPut, Key: key, Value: []byte(value)})
	require.NoError(t, err)
	return data
}

func blockPayload(t *testing.T, block cluster.Block) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(block)
	require.NoError(t, err)
	return data
}

func (tc *testCluster) setGlobalBlock(t *testing.T, block cluster.Block) {
	t.Helper()
	_, err := tc.state.Update("test", func(s *cluster.State) (*cluster.State, error) {
		return cluster.NewBuilder(s).Blocks(s.Blocks.WithGlobal(block)).Build(), nil
	})
	require.NoError(t, err)
}

func (tc *testCluster) removeGlobalBlock(t *testing.T, id int) {
	t.Helper()
	_, err := tc.state.Update("test", func(s *cluster.State) (*cluster.State, error) {
		return cluster.NewBuilder(s).Blocks(s.Blocks.WithoutGlobal(id)).Build(), nil
	})
	require.NoError(t, err)
}

// requireNoPermitsHeld fails if any copy still has operations in flight.
func (tc *testCluster) requireNoPermitsHeld(t *testing.T) {
	t.Helper()
	for n, sh := range tc.shards {
		require.Eventually(t, func() bool { return sh.ActiveOperationsCount() == 0 }, time.Second, 5*time.Millisecond, "permits leaked on %s", n)
	}
}
