package replication

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dreamware/replicator/internal/cluster"
)

var (
	// ErrNodeUnreachable is wrapped by transports when a node cannot be
	// contacted at all.
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrUnknownAction is returned for requests naming an unregistered action.
	ErrUnknownAction = errors.New("unknown replication action")
)

// BlockedError reports the cluster blocks that rejected an operation.
type BlockedError struct {
	Blocks []cluster.Block
}

func (e *BlockedError) Error() string {
	descs := make([]string, 0, len(e.Blocks))
	for _, b := range e.Blocks {
		descs = append(descs, fmt.Sprintf("[%d/%s]", b.ID, b.Description))
	}
	return "blocked by: " + strings.Join(descs, ", ")
}

// Retryable reports whether every offending block is retryable, in which
// case the operation may wait for the blocks to be lifted.
func (e *BlockedError) Retryable() bool {
	for _, b := range e.Blocks {
		if !b.Retryable {
			return false
		}
	}
	return len(e.Blocks) > 0
}

// Status is the HTTP status to report for the blocks.
func (e *BlockedError) Status() int {
	if e.Retryable() {
		return http.StatusServiceUnavailable
	}
	for _, b := range e.Blocks {
		if b.Status != 0 {
			return b.Status
		}
	}
	return http.StatusForbidden
}

// ShardNotFoundError means no primary is assigned, or the addressed copy is
// not hosted where the request was sent.
type ShardNotFoundError struct {
	NodeID       string
	AllocationID string
	ShardID      cluster.ShardID
}

func (e *ShardNotFoundError) Error() string {
	switch {
	case e.AllocationID != "":
		return fmt.Sprintf("shard %s copy [%s] not found on node [%s]", e.ShardID, e.AllocationID, e.NodeID)
	case e.NodeID != "":
		return fmt.Sprintf("shard %s not found on node [%s]", e.ShardID, e.NodeID)
	}
	return fmt.Sprintf("no active primary for shard %s", e.ShardID)
}

// PrimaryMismatchError means the request was routed with a stale view: the
// copy it reached is not the primary it was addressed to, or its term moved.
type PrimaryMismatchError struct {
	Expected     string
	Actual       string
	ShardID      cluster.ShardID
	ExpectedTerm int64
	ActualTerm   int64
}

func (e *PrimaryMismatchError) Error() string {
	if e.Expected != e.Actual {
		return fmt.Sprintf("shard %s: expected primary allocation [%s] but found [%s]", e.ShardID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("shard %s: expected primary term %d but found %d", e.ShardID, e.ExpectedTerm, e.ActualTerm)
}

// TimeoutError reports a wait that exceeded its budget.
type TimeoutError struct {
	Err     error
	Op      string
	ShardID cluster.ShardID
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shard %s: timed out %s: %v", e.ShardID, e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// PrimaryExecutionError wraps a failure of the mutation itself on the
// primary, with the term the primary held so callers can tell a stale
// primary from a rejected write.
type PrimaryExecutionError struct {
	Err         error
	ShardID     cluster.ShardID
	PrimaryTerm int64
}

func (e *PrimaryExecutionError) Error() string {
	return fmt.Sprintf("shard %s (term %d): %v", e.ShardID, e.PrimaryTerm, e.Err)
}

func (e *PrimaryExecutionError) Unwrap() error { return e.Err }

// StalePrimaryError means a replica rejected the operation because it has
// seen a newer primary term: another copy was promoted while this primary
// kept running. The operation is not acknowledged.
type StalePrimaryError struct {
	Err         error
	ShardID     cluster.ShardID
	PrimaryTerm int64
}

func (e *StalePrimaryError) Error() string {
	return fmt.Sprintf("shard %s: primary term %d was superseded: %v", e.ShardID, e.PrimaryTerm, e.Err)
}

func (e *StalePrimaryError) Unwrap() error { return e.Err }

// StaleReplicaError is recorded when a reachable replica failed the
// operation. The copy is marked stale; the write stays committed.
type StaleReplicaError struct {
	Err  error
	Copy cluster.ShardCopy
}

func (e *StaleReplicaError) Error() string {
	return fmt.Sprintf("replica [%s] on node [%s] failed and was marked stale: %v", e.Copy.AllocationID, e.Copy.NodeID, e.Err)
}

func (e *StaleReplicaError) Unwrap() error { return e.Err }

// FatalReplicaError is recorded when a replica was not available at all
// (unreachable node, closed or missing copy).
type FatalReplicaError struct {
	Err  error
	Copy cluster.ShardCopy
}

func (e *FatalReplicaError) Error() string {
	return fmt.Sprintf("replica [%s] on node [%s] unavailable: %v", e.Copy.AllocationID, e.Copy.NodeID, e.Err)
}

func (e *FatalReplicaError) Unwrap() error { return e.Err }
