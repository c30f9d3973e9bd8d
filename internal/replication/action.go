package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/permits"
	"github.com/dreamware/replicator/internal/shard"
)

// Action is the capability a replicated operation provides: which blocks it
// is sensitive to, how many permits it needs and how it mutates a primary
// and a replica copy.
type Action interface {
	Name() string
	// BlockLevels returns the global and index levels to check;
	// cluster.BlockLevelNone exempts a scope.
	BlockLevels() (global, index cluster.BlockLevel)
	PermitMode() permits.Mode
	ApplyPrimary(ctx context.Context, sh *shard.Shard, req *PrimaryRequest) (PrimaryResult, error)
	ApplyReplica(ctx context.Context, sh *shard.Shard, req *ReplicaRequest) error
}

// PrimaryResult is what an action produced on the primary.
type PrimaryResult struct {
	// Result is returned to the caller.
	Result json.RawMessage
	// SeqNo is the sequence number assigned on the primary, or
	// shard.NoOpsPerformed for operations that don't consume one.
	SeqNo int64
}

// PrimaryRequest asks the node hosting TargetAllocationID to execute an
// action as primary.
type PrimaryRequest struct {
	ShardID            cluster.ShardID `json:"shard_id"`
	Action             string          `json:"action"`
	TargetAllocationID string          `json:"target_allocation_id"`
	Payload            json.RawMessage `json:"payload"`
	PrimaryTerm        int64           `json:"primary_term"`
}

// ReplicaRequest carries a primary-executed operation to one replica copy.
type ReplicaRequest struct {
	ShardID            cluster.ShardID `json:"shard_id"`
	Action             string          `json:"action"`
	TargetAllocationID string          `json:"target_allocation_id"`
	Payload            json.RawMessage `json:"payload"`
	PrimaryTerm        int64           `json:"primary_term"`
	GlobalCheckpoint   int64           `json:"global_checkpoint"`
	MaxSeqNo           int64           `json:"max_seq_no"`
	SeqNo              int64           `json:"seq_no"`
	// NoOp asks the replica to mark SeqNo processed without applying the
	// payload: the primary spent the number on a write that failed.
	NoOp bool `json:"noop,omitempty"`
}

// ReplicaResponse acknowledges a replica operation.
type ReplicaResponse struct {
	AllocationID    string `json:"allocation_id"`
	LocalCheckpoint int64  `json:"local_checkpoint"`
}

// Response is the caller-visible outcome of a replicated operation.
type Response struct {
	Result      json.RawMessage `json:"result,omitempty"`
	ShardInfo   ShardInfo       `json:"_shards"`
	SeqNo       int64           `json:"seq_no"`
	PrimaryTerm int64           `json:"primary_term"`
}

// ShardInfo summarizes how many copies were attempted, succeeded and failed.
type ShardInfo struct {
	Failures   []ReplicaFailure `json:"failures,omitempty"`
	Total      int              `json:"total"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
}

// ReplicaFailure describes one failed replica copy.
type ReplicaFailure struct {
	// Err is a *StaleReplicaError or *FatalReplicaError.
	Err          error           `json:"-"`
	ShardID      cluster.ShardID `json:"shard_id"`
	NodeID       string          `json:"node_id"`
	AllocationID string          `json:"allocation_id"`
	Reason       string          `json:"reason"`
	Stale        bool            `json:"marked_stale"`
}

// Registry maps action names to actions. One registry is built at startup
// and passed down through Env.
type Registry struct {
	actions map[string]Action
	mu      sync.RWMutex
}

// NewRegistry returns a registry holding actions.
func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a; names must be unique.
func (r *Registry) Register(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.actions[a.Name()]; dup {
		return fmt.Errorf("action %q already registered", a.Name())
	}
	r.actions[a.Name()] = a
	return nil
}

// Get returns the action registered under name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return a, nil
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
