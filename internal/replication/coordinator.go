package replication

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dreamware/replicator/internal/cluster"
)

// Coordinator executes replicated operations. One Coordinator serves every
// role a node plays: it routes caller requests (Execute), runs the primary
// phase for local primaries (HandlePrimary) and applies operations on local
// replicas (HandleReplica).
type Coordinator struct {
	env    Env
	policy RetryPolicy
}

// New returns a coordinator for env. Zero config fields take their defaults.
func New(env Env) *Coordinator {
	def := DefaultConfig()
	if env.Config.PermitTimeout <= 0 {
		env.Config.PermitTimeout = def.PermitTimeout
	}
	if env.Config.ReplicaTimeout <= 0 {
		env.Config.ReplicaTimeout = def.ReplicaTimeout
	}
	if env.Config.RetryTimeout <= 0 {
		env.Config.RetryTimeout = def.RetryTimeout
	}
	if env.Config.MaxRetries < 0 {
		env.Config.MaxRetries = 0
	}
	env.Logger = env.Logger.With().Str("node", env.NodeID).Logger()
	return &Coordinator{env: env}
}

// Env returns the environment the coordinator was built with.
func (c *Coordinator) Env() Env {
	return c.env
}

// Execute runs action on shard id: it resolves the primary from the latest
// cluster state, hands the operation to the node holding it and retries
// stale-routing and retryable-block failures until the retry budget or the
// retry timeout runs out. Retried failures are not visible to the caller
// unless the budget is exhausted.
func (c *Coordinator) Execute(ctx context.Context, actionName string, id cluster.ShardID, payload json.RawMessage) (*Response, error) {
	action, err := c.env.Actions.Get(actionName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.env.Config.RetryTimeout)
	defer cancel()

	log := c.env.Logger.With().Str("action", actionName).Stringer("shard", id).Logger()

	for attempt := 0; ; attempt++ {
		state := c.env.State.Current()
		resp, err := c.attempt(ctx, state, action, id, payload)
		if err == nil {
			return resp, nil
		}

		decision := c.policy.Decide(err)
		if decision == Fail {
			return nil, err
		}
		if attempt >= c.env.Config.MaxRetries {
			log.Warn().Err(err).Int("attempts", attempt+1).Msg("retry budget exhausted")
			return nil, err
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Stringer("decision", decision).Int64("state_version", state.Version).Msg("retrying operation")

		var accept func(*cluster.State) bool
		if decision == RetryAfterUnblock {
			blocked := func(s *cluster.State) bool {
				return checkActionBlocks(s, action, id.Index) != nil
			}
			switch cur := c.env.State.Current(); {
			case blocked(cur):
				accept = func(s *cluster.State) bool { return !blocked(s) }
			case cur.Version > state.Version:
				// Lifted before we got here: retry straight away.
				continue
			default:
				// The block is only in the primary node's view: wait for
				// any change of ours.
				log.Debug().Msg("block reported by the primary's node, waiting for a local state change")
			}
		}
		if _, werr := c.env.State.WaitFor(ctx, state.Version, accept); werr != nil {
			if errors.Is(werr, context.DeadlineExceeded) {
				return nil, &TimeoutError{Err: err, Op: "waiting for cluster state change", ShardID: id}
			}
			return nil, werr
		}
	}
}

// attempt is one pass from RESOLVE_PRIMARY onwards against state.
func (c *Coordinator) attempt(ctx context.Context, state *cluster.State, action Action, id cluster.ShardID, payload json.RawMessage) (*Response, error) {
	primary, term, err := c.env.Routing.ResolvePrimary(state, id)
	if err != nil {
		return nil, err
	}
	if err := checkActionBlocks(state, action, id.Index); err != nil {
		return nil, err
	}

	req := &PrimaryRequest{
		ShardID:            id,
		Action:             action.Name(),
		TargetAllocationID: primary.AllocationID,
		PrimaryTerm:        term,
		Payload:            payload,
	}
	if primary.NodeID == c.env.NodeID {
		return c.HandlePrimary(ctx, req)
	}
	return c.env.Transport.SendPrimary(ctx, primary.NodeID, req)
}
