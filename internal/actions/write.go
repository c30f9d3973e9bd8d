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
	"github.com/dreamware/replicator/internal/storage"
)

// WriteName is the registered name of the document write action.
const WriteName = "indices:data/write"

// ErrInvalidRequest is returned for payloads that cannot be decoded.
var ErrInvalidRequest = errors.New("invalid request payload")

// Write results.
const (
	ResultCreated = "created"
	ResultUpdated = "updated"
	ResultDeleted = "deleted"
)

// WriteResult is returned to the caller of a write.
type WriteResult struct {
	Key    string `json:"key"`
	Result string `json:"result"`
	SeqNo  int64  `json:"seq_no"`
}

// Write applies one storage.Operation per request.
type Write struct{}

// NewWrite returns the document write action.
func NewWrite() *Write { return &Write{} }

func (w *Write) Name() string { return WriteName }

func (w *Write) BlockLevels() (global, index cluster.BlockLevel) {
	return cluster.BlockLevelWrite, cluster.BlockLevelWrite
}

func (w *Write) PermitMode() permits.Mode { return permits.Single }

func (w *Write) ApplyPrimary(_ context.Context, sh *shard.Shard, req *replication.PrimaryRequest) (replication.PrimaryResult, error) {
	op, err := decodeOperation(req.Payload)
	if err != nil {
		return replication.PrimaryResult{}, err
	}

	applied, err := sh.ApplyPrimary(op)
	if err != nil {
		return replication.PrimaryResult{SeqNo: applied.SeqNo}, err
	}
	result := ResultDeleted
	if op.Type == storage.OpPut {
		result = ResultUpdated
		if applied.Created {
			result = ResultCreated
		}
	}
	data, err := json.Marshal(WriteResult{Key: op.Key, Result: result, SeqNo: applied.SeqNo})
	if err != nil {
		return replication.PrimaryResult{}, err
	}
	return replication.PrimaryResult{Result: data, SeqNo: applied.SeqNo}, nil
}

func (w *Write) ApplyReplica(_ context.Context, sh *shard.Shard, req *replication.ReplicaRequest) error {
	op, err := decodeOperation(req.Payload)
	if err != nil {
		return err
	}
	return sh.ApplyReplica(op, req.SeqNo)
}

func decodeOperation(payload json.RawMessage) (storage.Operation, error) {
	var op storage.Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return op, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return op, nil
}
