package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dreamware/replicator/internal/actions"
	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/coordinator"
	"github.com/dreamware/replicator/internal/permits"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/shard"
	"github.com/dreamware/replicator/internal/storage"
)

// Error kinds carried in the error envelope.
const (
	KindBlocked          = "cluster_block"
	KindShardNotFound    = "shard_not_found"
	KindPrimaryMismatch  = "primary_mismatch"
	KindTimeout          = "timeout"
	KindPrimaryExecution = "primary_execution"
	KindStalePrimary     = "stale_primary"
	KindInternal         = "internal"
)

// sentinels lists the sentinel errors that travel by name, with their
// status. Lookups walk it in order, so an error wrapping several sentinels
// always encodes as the first one listed.
var sentinels = []struct {
	err    error
	kind   string
	status int
}{
	{shard.ErrNotInPrimaryMode, "not_in_primary_mode", http.StatusConflict},
	{shard.ErrNotReplica, "not_replica", http.StatusConflict},
	{shard.ErrStalePrimaryTerm, "stale_primary_term", http.StatusConflict},
	{shard.ErrClosed, "shard_closed", http.StatusServiceUnavailable},
	{permits.ErrTimeout, "permit_timeout", http.StatusGatewayTimeout},
	{replication.ErrNodeUnreachable, "node_unreachable", http.StatusBadGateway},
	{replication.ErrUnknownAction, "unknown_action", http.StatusBadRequest},
	{storage.ErrInvalidOperation, "invalid_operation", http.StatusBadRequest},
	{storage.ErrKeyNotFound, "document_not_found", http.StatusNotFound},
	{storage.ErrStoreClosed, "store_closed", http.StatusServiceUnavailable},
	{actions.ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
	{coordinator.ErrUnknownIndex, "index_not_found", http.StatusNotFound},
	{actions.ErrBlockMissing, "block_missing", http.StatusConflict},
	{actions.ErrUncommittedOperations, "uncommitted_operations", http.StatusConflict},
}

func sentinelKind(err error) (string, bool) {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind, true
		}
	}
	return "", false
}

func sentinelByKind(kind string) (error, bool) {
	for _, s := range sentinels {
		if s.kind == kind {
			return s.err, true
		}
	}
	return nil, false
}

// ErrorBody describes an error on the wire. Only the fields of its kind are
// set.
type ErrorBody struct {
	Cause        *ErrorBody       `json:"caused_by,omitempty"`
	ShardID      *cluster.ShardID `json:"shard_id,omitempty"`
	Kind         string           `json:"kind"`
	Message      string           `json:"message"`
	NodeID       string           `json:"node_id,omitempty"`
	AllocationID string           `json:"allocation_id,omitempty"`
	Expected     string           `json:"expected,omitempty"`
	Actual       string           `json:"actual,omitempty"`
	Op           string           `json:"op,omitempty"`
	Blocks       []cluster.Block  `json:"blocks,omitempty"`
	ExpectedTerm int64            `json:"expected_term,omitempty"`
	ActualTerm   int64            `json:"actual_term,omitempty"`
	PrimaryTerm  int64            `json:"primary_term,omitempty"`
}

// ErrorEnvelope is the body of every error response.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// EncodeError converts err into its wire form and HTTP status.
func EncodeError(err error) (int, ErrorEnvelope) {
	body := encode(err)
	return statusOf(err), ErrorEnvelope{Error: *body}
}

func encode(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	var (
		blocked  *replication.BlockedError
		notFound *replication.ShardNotFoundError
		mismatch *replication.PrimaryMismatchError
		timeout  *replication.TimeoutError
		execErr  *replication.PrimaryExecutionError
		stale    *replication.StalePrimaryError
	)
	body := &ErrorBody{Message: err.Error()}
	switch {
	case errors.As(err, &execErr):
		body.Kind = KindPrimaryExecution
		body.ShardID = &execErr.ShardID
		body.PrimaryTerm = execErr.PrimaryTerm
		body.Cause = encode(execErr.Err)
	case errors.As(err, &stale):
		body.Kind = KindStalePrimary
		body.ShardID = &stale.ShardID
		body.PrimaryTerm = stale.PrimaryTerm
		body.Cause = encode(stale.Err)
	case errors.As(err, &timeout):
		body.Kind = KindTimeout
		body.ShardID = &timeout.ShardID
		body.Op = timeout.Op
		body.Cause = encode(timeout.Err)
	case errors.As(err, &blocked):
		body.Kind = KindBlocked
		body.Blocks = blocked.Blocks
	case errors.As(err, &notFound):
		body.Kind = KindShardNotFound
		body.ShardID = &notFound.ShardID
		body.NodeID = notFound.NodeID
		body.AllocationID = notFound.AllocationID
	case errors.As(err, &mismatch):
		body.Kind = KindPrimaryMismatch
		body.ShardID = &mismatch.ShardID
		body.Expected = mismatch.Expected
		body.Actual = mismatch.Actual
		body.ExpectedTerm = mismatch.ExpectedTerm
		body.ActualTerm = mismatch.ActualTerm
	default:
		body.Kind = KindInternal
		if kind, ok := sentinelKind(err); ok {
			body.Kind = kind
		}
	}
	return body
}

func statusOf(err error) int {
	var (
		blocked  *replication.BlockedError
		notFound *replication.ShardNotFoundError
		mismatch *replication.PrimaryMismatchError
		timeout  *replication.TimeoutError
		execErr  *replication.PrimaryExecutionError
		stale    *replication.StalePrimaryError
	)
	switch {
	case errors.As(err, &execErr):
		if s := sentinelStatusOf(execErr.Err); s != 0 {
			return s
		}
		return http.StatusInternalServerError
	case errors.As(err, &stale):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &blocked):
		return blocked.Status()
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &mismatch):
		return http.StatusConflict
	}
	if s := sentinelStatusOf(err); s != 0 {
		return s
	}
	return http.StatusInternalServerError
}

func sentinelStatusOf(err error) int {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return 0
}

// remoteError is a sentinel error reported by another node. It keeps the
// remote message and still matches the sentinel with errors.Is.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }

// DecodeError rebuilds a typed error from an error response. Bodies that are
// not envelopes come back as plain errors carrying the status.
func DecodeError(status int, data []byte) error {
	var env ErrorEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Kind == "" {
		return fmt.Errorf("remote error (status %d): %s", status, data)
	}
	return decode(&env.Error)
}

func decode(body *ErrorBody) error {
	if body == nil {
		return nil
	}
	var shardID cluster.ShardID
	if body.ShardID != nil {
		shardID = *body.ShardID
	}
	switch body.Kind {
	case KindPrimaryExecution:
		return &replication.PrimaryExecutionError{Err: decodeCause(body), ShardID: shardID, PrimaryTerm: body.PrimaryTerm}
	case KindStalePrimary:
		return &replication.StalePrimaryError{Err: decodeCause(body), ShardID: shardID, PrimaryTerm: body.PrimaryTerm}
	case KindTimeout:
		return &replication.TimeoutError{Err: decodeCause(body), Op: body.Op, ShardID: shardID}
	case KindBlocked:
		return &replication.BlockedError{Blocks: body.Blocks}
	case KindShardNotFound:
		return &replication.ShardNotFoundError{ShardID: shardID, NodeID: body.NodeID, AllocationID: body.AllocationID}
	case KindPrimaryMismatch:
		return &replication.PrimaryMismatchError{
			ShardID:      shardID,
			Expected:     body.Expected,
			Actual:       body.Actual,
			ExpectedTerm: body.ExpectedTerm,
			ActualTerm:   body.ActualTerm,
		}
	}
	if sentinel, ok := sentinelByKind(body.Kind); ok {
		return &remoteError{sentinel: sentinel, msg: body.Message}
	}
	return errors.New(body.Message)
}

func decodeCause(body *ErrorBody) error {
	if body.Cause == nil {
		return errors.New(body.Message)
	}
	return decode(body.Cause)
}
