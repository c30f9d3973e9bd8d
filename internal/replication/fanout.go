package replication

import (
	"context"
	"errors"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/shard"
)

type replicaResult struct {
	resp   *ReplicaResponse
	err    error
	target cluster.ShardCopy
}

// fanOut sends rreq to every target concurrently and waits for all of them,
// bounded by the replica timeout. Replication is best effort: failed replicas
// are recorded in the returned ShardInfo and never fail the operation. Two
// things do. Running out of time fails it with a *TimeoutError after the
// copies that did not answer are marked stale. A replica that has seen a
// newer primary term fails it with a *StalePrimaryError, and no copy is
// marked stale on behalf of the superseded primary.
func (c *Coordinator) fanOut(ctx context.Context, primary *shard.Shard, rreq ReplicaRequest, targets []cluster.ShardCopy) (ShardInfo, error) {
	info := ShardInfo{Total: 1 + len(targets), Successful: 1}
	if len(targets) == 0 {
		primary.UpdateGlobalCheckpoint(primary.LocalCheckpoint())
		return info, nil
	}

	rctx, cancel := context.WithTimeout(ctx, c.env.Config.ReplicaTimeout)
	defer cancel()

	results := make(chan replicaResult, len(targets))
	pending := make(map[string]cluster.ShardCopy, len(targets))
	for _, target := range targets {
		pending[target.AllocationID] = target
		req := rreq
		req.TargetAllocationID = target.AllocationID
		go func(target cluster.ShardCopy) {
			resp, err := c.sendReplica(rctx, target.NodeID, &req)
			results <- replicaResult{target: target, resp: resp, err: err}
		}(target)
	}

	gcp := primary.LocalCheckpoint()
	var (
		failed     []replicaResult
		superseded error
		timedOut   bool
	)
	for len(pending) > 0 && !timedOut {
		var res replicaResult
		select {
		case res = <-results:
		case <-rctx.Done():
			timedOut = true
			continue
		}
		if res.err != nil && rctx.Err() != nil {
			// Cut short by our own deadline, not a replica fault.
			timedOut = true
			continue
		}
		delete(pending, res.target.AllocationID)

		switch {
		case res.err == nil:
			info.Successful++
			gcp = min(gcp, res.resp.LocalCheckpoint)
		case errors.Is(res.err, shard.ErrStalePrimaryTerm):
			superseded = res.err
		default:
			failed = append(failed, res)
		}
	}

	if superseded != nil {
		return info, &StalePrimaryError{Err: superseded, ShardID: rreq.ShardID, PrimaryTerm: rreq.PrimaryTerm}
	}

	// Marking copies stale must outlive the replica deadline.
	mctx := context.WithoutCancel(ctx)
	advance := !timedOut
	for _, res := range failed {
		info.Failed++
		failure := c.replicaFailed(mctx, res.target, rreq.PrimaryTerm, res.err)
		info.Failures = append(info.Failures, failure)
		// Copies that are still in sync but did not acknowledge hold the
		// global checkpoint back.
		if !failure.Stale {
			advance = false
		}
	}

	if timedOut {
		timeout := &TimeoutError{Err: context.DeadlineExceeded, Op: "waiting for replicas", ShardID: rreq.ShardID}
		for _, target := range pending {
			c.markUnanswered(mctx, target, rreq.PrimaryTerm, timeout)
		}
		return info, timeout
	}

	if advance {
		primary.UpdateGlobalCheckpoint(gcp)
	}
	return info, nil
}

// markUnanswered marks a copy stale that did not answer before the replica
// deadline; it may or may not hold the operation.
func (c *Coordinator) markUnanswered(ctx context.Context, target cluster.ShardCopy, primaryTerm int64, timeout error) {
	log := c.env.Logger.Warn().
		Stringer("shard", target.ShardID).
		Str("target_node", target.NodeID).
		Str("allocation_id", target.AllocationID)
	if err := c.env.Routing.MarkCopyStale(ctx, target.ShardID, target.AllocationID, primaryTerm, timeout.Error()); err != nil {
		log.Err(err).Msg("replica timed out and could not be marked stale")
		return
	}
	log.Msg("replica timed out, marked stale")
}

func (c *Coordinator) sendReplica(ctx context.Context, nodeID string, req *ReplicaRequest) (*ReplicaResponse, error) {
	if nodeID == c.env.NodeID {
		return c.HandleReplica(ctx, req)
	}
	return c.env.Transport.SendReplica(ctx, nodeID, req)
}

// replicaFailed classifies a replica failure. A copy that could not be
// reached or is not there is fatal and left alone; any other failure means
// the copy diverged and it is marked stale.
func (c *Coordinator) replicaFailed(ctx context.Context, target cluster.ShardCopy, primaryTerm int64, err error) ReplicaFailure {
	failure := ReplicaFailure{
		ShardID:      target.ShardID,
		NodeID:       target.NodeID,
		AllocationID: target.AllocationID,
		Reason:       err.Error(),
	}
	log := c.env.Logger.Warn().Err(err).
		Stringer("shard", target.ShardID).
		Str("target_node", target.NodeID).
		Str("allocation_id", target.AllocationID)

	if isFatalReplicaFailure(err) {
		failure.Err = &FatalReplicaError{Err: err, Copy: target}
		log.Msg("replica unavailable")
		return failure
	}

	failure.Err = &StaleReplicaError{Err: err, Copy: target}
	if merr := c.env.Routing.MarkCopyStale(ctx, target.ShardID, target.AllocationID, primaryTerm, err.Error()); merr != nil {
		log.AnErr("mark_stale_error", merr).Msg("replica failed and could not be marked stale")
		return failure
	}
	failure.Stale = true
	log.Msg("replica failed, marked stale")
	return failure
}

func isFatalReplicaFailure(err error) bool {
	var notFound *ShardNotFoundError
	return errors.Is(err, ErrNodeUnreachable) ||
		errors.As(err, &notFound) ||
		errors.Is(err, shard.ErrClosed) ||
		errors.Is(err, shard.ErrNotReplica)
}
