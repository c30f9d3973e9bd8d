package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicator/internal/actions"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/storage"
)

func putOp(t *testing.T, key, value string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(storage.Operation{Type: storage.OpPut, Key: key, Value: []byte(value)})
	require.NoError(t, err)
	return data
}

func TestLocalReplicatesToEveryNode(t *testing.T) {
	tc := newTestCluster(t, 1, false)
	id := tc.ids[0]

	// Sent from a node that is not the primary, so the request crosses
	// the transport twice.
	resp, err := tc.nodes["node-3"].coord.Execute(context.Background(), actions.WriteName, id, putOp(t, "k1", `{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, 3, resp.ShardInfo.Total)
	assert.Equal(t, 3, resp.ShardInfo.Successful)
	assert.Equal(t, int64(0), resp.SeqNo)

	for _, n := range tc.nodes {
		sh, ok := n.Shard(id)
		require.True(t, ok)
		v, err := sh.Get("k1")
		require.NoError(t, err, n.id)
		assert.JSONEq(t, `{"n":1}`, string(v))
	}
}

func TestLocalUnreachable(t *testing.T) {
	tc := newTestCluster(t, 1, false)
	id := tc.ids[0]

	_, err := tc.local.SendReplica(context.Background(), "node-9", &replication.ReplicaRequest{ShardID: id})
	assert.ErrorIs(t, err, replication.ErrNodeUnreachable)

	tc.local.Disconnect("node-2")
	resp, err := tc.nodes["node-1"].coord.Execute(context.Background(), actions.WriteName, id, putOp(t, "k1", `1`))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ShardInfo.Successful)
	require.Len(t, resp.ShardInfo.Failures, 1)
	assert.Equal(t, "node-2", resp.ShardInfo.Failures[0].NodeID)
	assert.False(t, resp.ShardInfo.Failures[0].Stale)

	// Unreachable copies stay in sync.
	rt, _ := tc.state.Current().Shard(id)
	assert.Len(t, rt.InSync, 3)

	tc.local.Reconnect("node-2")
	resp, err = tc.nodes["node-1"].coord.Execute(context.Background(), actions.WriteName, id, putOp(t, "k2", `2`))
	require.NoError(t, err)
	assert.Equal(t, 3, resp.ShardInfo.Successful)
}

func TestLocalSendPrimary(t *testing.T) {
	tc := newTestCluster(t, 1, false)
	id := tc.ids[0]
	rt, _ := tc.state.Current().Shard(id)

	req := &replication.PrimaryRequest{
		ShardID:            id,
		Action:             actions.WriteName,
		TargetAllocationID: rt.Primary.AllocationID,
		PrimaryTerm:        rt.PrimaryTerm,
		Payload:            putOp(t, "k", `"v"`),
	}
	resp, err := tc.local.SendPrimary(context.Background(), "node-1", req)
	require.NoError(t, err)
	assert.Equal(t, rt.PrimaryTerm, resp.PrimaryTerm)
	assert.Equal(t, 3, resp.ShardInfo.Successful)

	req.TargetAllocationID = "not-a-copy"
	_, err = tc.local.SendPrimary(context.Background(), "node-1", req)
	var mismatch *replication.PrimaryMismatchError
	assert.ErrorAs(t, err, &mismatch)
}
