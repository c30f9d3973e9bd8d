package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/permits"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/shard"
)

// Registered names of the administrative actions.
const (
	AddBlockName          = "indices:admin/block/add"
	VerifyBeforeCloseName = "indices:admin/close/verify"
)

var (
	// ErrBlockMissing is returned when a shard is verified against a block
	// that is not in the cluster state.
	ErrBlockMissing = errors.New("block not present")
	// ErrUncommittedOperations is returned when a shard still has operations
	// below its max sequence number that were not processed.
	ErrUncommittedOperations = errors.New("shard has unprocessed operations")
)

// BlockRequest names a block and its scope. An empty Index means a global
// block.
type BlockRequest struct {
	Index string        `json:"index,omitempty"`
	Block cluster.Block `json:"block"`
}

func (r BlockRequest) present(state *cluster.State) bool {
	if r.Index == "" {
		return state.Blocks.HasGlobalBlock(r.Block.ID)
	}
	return state.Blocks.HasIndexBlock(r.Index, r.Block.ID)
}

// Validate rejects blocks that could never be installed.
func (r BlockRequest) Validate() error {
	if r.Block.ID <= 0 {
		return fmt.Errorf("%w: block id must be positive", ErrInvalidRequest)
	}
	if r.Block.Levels == cluster.BlockLevelNone {
		return fmt.Errorf("%w: block %d restricts nothing", ErrInvalidRequest, r.Block.ID)
	}
	return nil
}

// Install returns blocks with the requested block added.
func (r BlockRequest) Install(blocks cluster.Blocks) cluster.Blocks {
	if r.Index == "" {
		return blocks.WithGlobal(r.Block)
	}
	return blocks.WithIndex(r.Index, r.Block)
}

func decodeBlockRequest(payload json.RawMessage) (BlockRequest, error) {
	var req BlockRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, req.Validate()
}

// AddBlock drains a shard and installs a block while it holds all permits.
// Once it returns, no write admitted before the block is still running on
// any copy it reached, and every later write sees the block.
type AddBlock struct {
	state *cluster.Service
}

// NewAddBlock returns the action installing blocks into state.
func NewAddBlock(state *cluster.Service) *AddBlock {
	return &AddBlock{state: state}
}

func (a *AddBlock) Name() string { return AddBlockName }

func (a *AddBlock) BlockLevels() (global, index cluster.BlockLevel) {
	return cluster.BlockLevelNone, cluster.BlockLevelNone
}

func (a *AddBlock) PermitMode() permits.Mode { return permits.All }

func (a *AddBlock) ApplyPrimary(_ context.Context, sh *shard.Shard, req *replication.PrimaryRequest) (replication.PrimaryResult, error) {
	br, err := decodeBlockRequest(req.Payload)
	if err != nil {
		return replication.PrimaryResult{}, err
	}
	if err := a.ensure(br, sh.ID); err != nil {
		return replication.PrimaryResult{}, err
	}
	data, err := json.Marshal(map[string]any{"acknowledged": true, "block": br.Block, "index": br.Index})
	if err != nil {
		return replication.PrimaryResult{}, err
	}
	return replication.PrimaryResult{Result: data, SeqNo: shard.NoOpsPerformed}, nil
}

// ApplyReplica makes sure the replica's node sees the block as well; nodes
// sharing one state service find it already there.
func (a *AddBlock) ApplyReplica(_ context.Context, sh *shard.Shard, req *replication.ReplicaRequest) error {
	br, err := decodeBlockRequest(req.Payload)
	if err != nil {
		return err
	}
	return a.ensure(br, sh.ID)
}

func (a *AddBlock) ensure(br BlockRequest, id cluster.ShardID) error {
	_, err := a.state.Update("add-block "+id.String(), func(s *cluster.State) (*cluster.State, error) {
		if br.present(s) {
			return s, nil
		}
		return cluster.NewBuilder(s).Blocks(br.Install(s.Blocks)).Build(), nil
	})
	return err
}

// VerifyBeforeClose drains a shard and checks that the index is blocked and
// every operation the copy has seen was processed, so the shard can be
// closed without losing writes.
type VerifyBeforeClose struct {
	state *cluster.Service
}

// NewVerifyBeforeClose returns the verification action reading blocks from
// state.
func NewVerifyBeforeClose(state *cluster.Service) *VerifyBeforeClose {
	return &VerifyBeforeClose{state: state}
}

func (v *VerifyBeforeClose) Name() string { return VerifyBeforeCloseName }

func (v *VerifyBeforeClose) BlockLevels() (global, index cluster.BlockLevel) {
	return cluster.BlockLevelNone, cluster.BlockLevelNone
}

func (v *VerifyBeforeClose) PermitMode() permits.Mode { return permits.All }

func (v *VerifyBeforeClose) ApplyPrimary(_ context.Context, sh *shard.Shard, req *replication.PrimaryRequest) (replication.PrimaryResult, error) {
	if err := v.verify(sh, req.Payload); err != nil {
		return replication.PrimaryResult{}, err
	}
	data, err := json.Marshal(map[string]int64{
		"max_seq_no":        sh.MaxSeqNo(),
		"local_checkpoint":  sh.LocalCheckpoint(),
		"global_checkpoint": sh.GlobalCheckpoint(),
	})
	if err != nil {
		return replication.PrimaryResult{}, err
	}
	return replication.PrimaryResult{Result: data, SeqNo: shard.NoOpsPerformed}, nil
}

func (v *VerifyBeforeClose) ApplyReplica(_ context.Context, sh *shard.Shard, req *replication.ReplicaRequest) error {
	return v.verify(sh, req.Payload)
}

func (v *VerifyBeforeClose) verify(sh *shard.Shard, payload json.RawMessage) error {
	br, err := decodeBlockRequest(payload)
	if err != nil {
		return err
	}
	if br.Index == "" {
		br.Index = sh.ID.Index
	}
	if !br.present(v.state.Current()) {
		return fmt.Errorf("%w: index [%s] block %d", ErrBlockMissing, br.Index, br.Block.ID)
	}
	if lcp, maxSeqNo := sh.LocalCheckpoint(), sh.MaxSeqNo(); lcp != maxSeqNo {
		return fmt.Errorf("%w: %s local checkpoint %d, max seq no %d", ErrUncommittedOperations, sh.ID, lcp, maxSeqNo)
	}
	return nil
}

// All returns every action a node registers.
func All(state *cluster.Service) []replication.Action {
	return []replication.Action{
		NewWrite(),
		NewAddBlock(state),
		NewVerifyBeforeClose(state),
	}
}
