package replication

import (
	"context"
	"errors"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/permits"
	"github.com/dreamware/replicator/internal/shard"
)

// HandlePrimary runs the primary phase of an operation on the local copy
// req is addressed to: RESOLVE_PRIMARY, VALIDATE_BLOCK_PRE, ACQUIRE_PERMIT,
// VALIDATE_BLOCK_POST, EXECUTE_ON_PRIMARY and DISPATCH_REPLICAS. The permit is
// held until every replica has answered or the replica wait timed out, and is
// released on every path.
func (c *Coordinator) HandlePrimary(ctx context.Context, req *PrimaryRequest) (*Response, error) {
	action, err := c.env.Actions.Get(req.Action)
	if err != nil {
		return nil, err
	}

	// RESOLVE_PRIMARY
	sh, err := c.localPrimary(c.env.State.Current(), req)
	if err != nil {
		return nil, err
	}

	// VALIDATE_BLOCK_PRE
	if err := checkActionBlocks(c.env.State.Current(), action, req.ShardID.Index); err != nil {
		return nil, err
	}

	// ACQUIRE_PERMIT
	pctx, cancel := context.WithTimeout(ctx, c.env.Config.PermitTimeout)
	permit, err := sh.AcquirePrimary(pctx, action.PermitMode())
	cancel()
	if err != nil {
		if errors.Is(err, permits.ErrTimeout) {
			return nil, &TimeoutError{Err: err, Op: "acquiring primary permit", ShardID: req.ShardID}
		}
		return nil, err
	}
	defer permit.Release()

	// VALIDATE_BLOCK_POST: a block may have been installed while we queued.
	state := c.env.State.Current()
	if err := checkActionBlocks(state, action, req.ShardID.Index); err != nil {
		return nil, err
	}
	if term := sh.PrimaryTerm(); req.PrimaryTerm != 0 && term != req.PrimaryTerm {
		return nil, &PrimaryMismatchError{
			ShardID:      req.ShardID,
			Expected:     req.TargetAllocationID,
			Actual:       sh.AllocationID,
			ExpectedTerm: req.PrimaryTerm,
			ActualTerm:   term,
		}
	}

	// EXECUTE_ON_PRIMARY
	result, err := action.ApplyPrimary(ctx, sh, req)
	if err != nil {
		var spent *shard.SeqNoError
		if errors.As(err, &spent) {
			c.replicateNoOp(ctx, state, sh, req, spent.SeqNo)
		}
		return nil, &PrimaryExecutionError{Err: err, ShardID: req.ShardID, PrimaryTerm: sh.PrimaryTerm()}
	}

	// DISPATCH_REPLICAS
	rreq := ReplicaRequest{
		ShardID:          req.ShardID,
		Action:           req.Action,
		Payload:          req.Payload,
		PrimaryTerm:      sh.PrimaryTerm(),
		GlobalCheckpoint: sh.GlobalCheckpoint(),
		MaxSeqNo:         sh.MaxSeqNo(),
		SeqNo:            result.SeqNo,
	}
	info, err := c.fanOut(ctx, sh, rreq, c.replicationTargets(state, sh))
	if err != nil {
		c.stepDownIfSuperseded(sh, err)
		return nil, err
	}

	return &Response{
		Result:      result.Result,
		ShardInfo:   info,
		SeqNo:       result.SeqNo,
		PrimaryTerm: rreq.PrimaryTerm,
	}, nil
}

// localPrimary finds the local copy req addresses and checks that state still
// routes the shard's primary to it.
func (c *Coordinator) localPrimary(state *cluster.State, req *PrimaryRequest) (*shard.Shard, error) {
	sh, ok := c.env.Shards.Shard(req.ShardID)
	if !ok {
		return nil, &ShardNotFoundError{ShardID: req.ShardID, NodeID: c.env.NodeID}
	}
	if sh.AllocationID != req.TargetAllocationID {
		return nil, &PrimaryMismatchError{
			ShardID:  req.ShardID,
			Expected: req.TargetAllocationID,
			Actual:   sh.AllocationID,
		}
	}
	primary, _, err := c.env.Routing.ResolvePrimary(state, req.ShardID)
	if err != nil {
		return nil, err
	}
	if primary.AllocationID != req.TargetAllocationID {
		return nil, &PrimaryMismatchError{
			ShardID:  req.ShardID,
			Expected: req.TargetAllocationID,
			Actual:   primary.AllocationID,
		}
	}
	return sh, nil
}

// replicateNoOp has the replication group mark seqNo processed. The
// primary spent it on a write that failed, and replicas would otherwise hold
// their local checkpoint below it forever.
func (c *Coordinator) replicateNoOp(ctx context.Context, state *cluster.State, sh *shard.Shard, req *PrimaryRequest, seqNo int64) {
	rreq := ReplicaRequest{
		ShardID:          req.ShardID,
		Action:           req.Action,
		PrimaryTerm:      sh.PrimaryTerm(),
		GlobalCheckpoint: sh.GlobalCheckpoint(),
		MaxSeqNo:         sh.MaxSeqNo(),
		SeqNo:            seqNo,
		NoOp:             true,
	}
	if _, err := c.fanOut(ctx, sh, rreq, c.replicationTargets(state, sh)); err != nil {
		c.env.Logger.Warn().Err(err).Stringer("shard", req.ShardID).Int64("seq_no", seqNo).Msg("no-op replication failed")
		c.stepDownIfSuperseded(sh, err)
	}
}

// stepDownIfSuperseded hands off the local primary once a replica reported
// a newer term. The hand-off drains the copy, so it runs after the caller
// released its permit.
func (c *Coordinator) stepDownIfSuperseded(sh *shard.Shard, err error) {
	var stale *StalePrimaryError
	if !errors.As(err, &stale) {
		return
	}
	log := c.env.Logger.With().Stringer("shard", sh.ID).Int64("term", stale.PrimaryTerm).Logger()
	log.Warn().Err(err).Msg("primary superseded, stepping down")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.env.Config.PermitTimeout)
		defer cancel()
		if err := sh.HandOff(ctx); err != nil && !errors.Is(err, shard.ErrNotInPrimaryMode) && !errors.Is(err, shard.ErrClosed) {
			log.Error().Err(err).Msg("step down failed")
		}
	}()
}

// replicationTargets is the primary's replication group in state, itself
// excluded.
func (c *Coordinator) replicationTargets(state *cluster.State, sh *shard.Shard) []cluster.ShardCopy {
	var targets []cluster.ShardCopy
	for _, rc := range c.env.Routing.InSyncReplicas(state, sh.ID) {
		if rc.AllocationID != sh.AllocationID {
			targets = append(targets, rc)
		}
	}
	return targets
}
