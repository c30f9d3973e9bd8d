package replication

import (
	"context"
	"errors"

	"github.com/dreamware/replicator/internal/permits"
)

// HandleReplica applies a primary-executed operation to the local copy req
// addresses. The copy takes its own permit in the action's mode and rejects
// operations from a primary term older than the one it has seen. Blocks are
// not checked here: the primary admitted the operation before any block
// that a drain installs afterwards.
func (c *Coordinator) HandleReplica(ctx context.Context, req *ReplicaRequest) (*ReplicaResponse, error) {
	action, err := c.env.Actions.Get(req.Action)
	if err != nil {
		return nil, err
	}
	sh, ok := c.env.Shards.Shard(req.ShardID)
	if !ok || sh.AllocationID != req.TargetAllocationID {
		return nil, &ShardNotFoundError{ShardID: req.ShardID, NodeID: c.env.NodeID, AllocationID: req.TargetAllocationID}
	}

	pctx, cancel := context.WithTimeout(ctx, c.env.Config.PermitTimeout)
	permit, err := sh.AcquireReplica(pctx, action.PermitMode(), req.PrimaryTerm, req.GlobalCheckpoint, req.MaxSeqNo)
	cancel()
	if err != nil {
		if errors.Is(err, permits.ErrTimeout) {
			return nil, &TimeoutError{Err: err, Op: "acquiring replica permit", ShardID: req.ShardID}
		}
		return nil, err
	}
	defer permit.Release()

	if req.NoOp {
		sh.MarkSeqNoProcessed(req.SeqNo)
	} else if err := action.ApplyReplica(ctx, sh, req); err != nil {
		return nil, err
	}
	return &ReplicaResponse{AllocationID: sh.AllocationID, LocalCheckpoint: sh.LocalCheckpoint()}, nil
}
