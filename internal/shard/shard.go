package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/permits"
	"github.com/dreamware/replicator/internal/storage"
)

// Role is the replication role of a shard copy
type Role string

const (
	// RolePrimary copies execute writes first and replicate them
	RolePrimary Role = "primary"
	// RoleReplica copies apply writes forwarded by the primary
	RoleReplica Role = "replica"
)

// ShardState represents the lifecycle state of a shard copy
type ShardState string

const (
	// ShardStateActive means the copy is serving operations
	ShardStateActive ShardState = "active"
	// ShardStateRelocated means primary mode was handed off to another copy
	ShardStateRelocated ShardState = "relocated"
	// ShardStateClosed means the copy was drained and closed
	ShardStateClosed ShardState = "closed"
)

var (
	// ErrNotInPrimaryMode is returned when a primary permit is requested
	// from a copy that is no longer (or not yet) primary
	ErrNotInPrimaryMode = errors.New("shard is not in primary mode")
	// ErrNotReplica is returned when a replica permit is requested from a primary
	ErrNotReplica = errors.New("shard is not a replica")
	// ErrStalePrimaryTerm is returned when an operation carries an older
	// primary term than the copy has already seen
	ErrStalePrimaryTerm = errors.New("operation primary term is stale")
	// ErrClosed is returned for any operation on a closed copy
	ErrClosed = errors.New("shard closed")
)

// Shard is one copy of a shard. It owns its operation permits; callers only
// ever get a permit, never the tracker itself.
type Shard struct {
	Store        storage.Store // Documents of this copy
	Stats        *ShardStats   // Operation statistics
	permits      *permits.Permits
	checkpoints  *checkpointTracker
	ID           cluster.ShardID // Shard identity
	AllocationID string          // Identity of this copy
	role         Role
	state        ShardState
	primaryTerm  int64
	globalCkp    int64
	mu           sync.RWMutex // Protects role, state, term and global checkpoint
	writeMu      sync.Mutex   // Orders primary writes with their sequence numbers
}

// ShardStats tracks operation counts
type ShardStats struct {
	PrimaryOps uint64 `json:"primary_ops"`
	ReplicaOps uint64 `json:"replica_ops"`
	Failed     uint64 `json:"failed"`
}

// CopyInfo contains metadata about a shard copy
type CopyInfo struct {
	ShardID          cluster.ShardID    `json:"shard_id"`
	AllocationID     string             `json:"allocation_id"`
	Role             Role               `json:"role"`
	State            ShardState         `json:"state"`
	PrimaryTerm      int64              `json:"primary_term"`
	LocalCheckpoint  int64              `json:"local_checkpoint"`
	GlobalCheckpoint int64              `json:"global_checkpoint"`
	MaxSeqNo         int64              `json:"max_seq_no"`
	ActiveOps        int                `json:"active_operations"`
	Stats            ShardStats         `json:"stats"`
	Storage          storage.StoreStats `json:"storage"`
}

// NewShard creates an active shard copy backed by store
func NewShard(id cluster.ShardID, allocationID string, role Role, primaryTerm int64, store storage.Store) *Shard {
	return &Shard{
		ID:           id,
		AllocationID: allocationID,
		Store:        store,
		Stats:        &ShardStats{},
		permits:      permits.New(),
		checkpoints:  newCheckpointTracker(),
		role:         role,
		state:        ShardStateActive,
		primaryTerm:  primaryTerm,
		globalCkp:    NoOpsPerformed,
	}
}

// Role returns the current role
func (s *Shard) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// State returns the lifecycle state
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PrimaryTerm returns the highest primary term seen by this copy
func (s *Shard) PrimaryTerm() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primaryTerm
}

// ActiveOperationsCount returns the outstanding single permits, or
// permits.Blocked while all permits are held
func (s *Shard) ActiveOperationsCount() int {
	return s.permits.ActiveCount()
}

// PendingOperationsCount returns the operations queued for a permit
func (s *Shard) PendingOperationsCount() int {
	return s.permits.Queued()
}

// AcquirePrimaryPermit acquires a single permit on a primary copy
func (s *Shard) AcquirePrimaryPermit(ctx context.Context) (*permits.Permit, error) {
	return s.AcquirePrimary(ctx, permits.Single)
}

// AcquireAllPrimaryPermits drains the primary copy and holds all permits
func (s *Shard) AcquireAllPrimaryPermits(ctx context.Context) (*permits.Permit, error) {
	return s.AcquirePrimary(ctx, permits.All)
}

// AcquirePrimary acquires a permit of the given mode and then verifies that
// the copy is still an active primary. The role is checked after acquisition
// because a handoff drains the copy with all permits before switching role.
func (s *Shard) AcquirePrimary(ctx context.Context, mode permits.Mode) (*permits.Permit, error) {
	permit, err := s.acquire(ctx, mode)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	role, state := s.role, s.state
	s.mu.RUnlock()

	switch {
	case state == ShardStateClosed:
		permit.Release()
		return nil, ErrClosed
	case role != RolePrimary || state != ShardStateActive:
		permit.Release()
		return nil, fmt.Errorf("%w: %s is %s/%s", ErrNotInPrimaryMode, s.ID, role, state)
	}
	return permit, nil
}

// AcquireReplicaPermit acquires a single permit for an operation replicated
// from a primary with the given term
func (s *Shard) AcquireReplicaPermit(ctx context.Context, opPrimaryTerm, globalCheckpoint, maxSeqNo int64) (*permits.Permit, error) {
	return s.AcquireReplica(ctx, permits.Single, opPrimaryTerm, globalCheckpoint, maxSeqNo)
}

// AcquireAllReplicaPermits drains the replica copy for an operation
// replicated from a primary with the given term
func (s *Shard) AcquireAllReplicaPermits(ctx context.Context, opPrimaryTerm, globalCheckpoint, maxSeqNo int64) (*permits.Permit, error) {
	return s.AcquireReplica(ctx, permits.All, opPrimaryTerm, globalCheckpoint, maxSeqNo)
}

// AcquireReplica acquires a permit of the given mode, rejects operations from
// an older primary term, adopts a newer one and advances the checkpoints the
// primary shipped with the operation.
func (s *Shard) AcquireReplica(ctx context.Context, mode permits.Mode, opPrimaryTerm, globalCheckpoint, maxSeqNo int64) (*permits.Permit, error) {
	permit, err := s.acquire(ctx, mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	switch {
	case s.state == ShardStateClosed:
		s.mu.Unlock()
		permit.Release()
		return nil, ErrClosed
	case s.role != RoleReplica:
		s.mu.Unlock()
		permit.Release()
		return nil, fmt.Errorf("%w: %s", ErrNotReplica, s.ID)
	case opPrimaryTerm < s.primaryTerm:
		term := s.primaryTerm
		s.mu.Unlock()
		permit.Release()
		return nil, fmt.Errorf("%w: operation term %d, shard term %d", ErrStalePrimaryTerm, opPrimaryTerm, term)
	}
	if opPrimaryTerm > s.primaryTerm {
		s.primaryTerm = opPrimaryTerm
	}
	if globalCheckpoint > s.globalCkp {
		s.globalCkp = globalCheckpoint
	}
	s.mu.Unlock()

	s.checkpoints.advanceMaxSeqNo(maxSeqNo)
	return permit, nil
}

func (s *Shard) acquire(ctx context.Context, mode permits.Mode) (*permits.Permit, error) {
	permit, err := s.permits.Acquire(ctx, mode)
	if errors.Is(err, permits.ErrClosed) {
		return nil, ErrClosed
	}
	return permit, err
}

// Applied describes an operation executed on the primary.
type Applied struct {
	SeqNo int64
	// Created is set for a put that found no earlier document under its key.
	Created bool
}

// SeqNoError is a failed operation that had already been assigned a
// sequence number. The number stays spent; replicas mark it processed with
// a no-op.
type SeqNoError struct {
	Err   error
	SeqNo int64
}

func (e *SeqNoError) Error() string {
	return fmt.Sprintf("operation [seq_no %d] failed: %v", e.SeqNo, e.Err)
}

func (e *SeqNoError) Unwrap() error { return e.Err }

// ApplyPrimary assigns the next sequence number to op and applies it.
// Invalid operations are rejected before a sequence number is consumed.
// The caller must hold a primary permit.
func (s *Shard) ApplyPrimary(op storage.Operation) (Applied, error) {
	if err := op.Validate(); err != nil {
		atomic.AddUint64(&s.Stats.Failed, 1)
		return Applied{SeqNo: NoOpsPerformed}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	applied := Applied{SeqNo: s.checkpoints.generate()}
	if op.Type == storage.OpPut {
		_, err := s.Store.Get(op.Key)
		applied.Created = err != nil
	}
	err := op.Apply(s.Store)
	s.checkpoints.markProcessed(applied.SeqNo)
	if err != nil {
		atomic.AddUint64(&s.Stats.Failed, 1)
		return applied, &SeqNoError{Err: err, SeqNo: applied.SeqNo}
	}
	atomic.AddUint64(&s.Stats.PrimaryOps, 1)
	return applied, nil
}

// ApplyReplica applies op under the sequence number the primary assigned.
// The caller must hold a replica permit.
func (s *Shard) ApplyReplica(op storage.Operation, seqNo int64) error {
	s.checkpoints.advanceMaxSeqNo(seqNo)
	if err := op.Apply(s.Store); err != nil {
		atomic.AddUint64(&s.Stats.Failed, 1)
		return err
	}
	s.checkpoints.markProcessed(seqNo)
	atomic.AddUint64(&s.Stats.ReplicaOps, 1)
	return nil
}

// MarkSeqNoProcessed records seqNo as processed without touching the store.
// Replicas use it for sequence numbers the primary spent on failed writes.
// The caller must hold a replica permit.
func (s *Shard) MarkSeqNoProcessed(seqNo int64) {
	s.checkpoints.advanceMaxSeqNo(seqNo)
	s.checkpoints.markProcessed(seqNo)
}

// LocalCheckpoint returns the highest contiguous processed sequence number
func (s *Shard) LocalCheckpoint() int64 {
	return s.checkpoints.localCheckpoint()
}

// MaxSeqNo returns the highest sequence number issued or seen
func (s *Shard) MaxSeqNo() int64 {
	return s.checkpoints.max()
}

// GlobalCheckpoint returns the sequence number known to be processed by all
// in-sync copies
func (s *Shard) GlobalCheckpoint() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalCkp
}

// UpdateGlobalCheckpoint advances the global checkpoint; it never moves back
func (s *Shard) UpdateGlobalCheckpoint(gcp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gcp > s.globalCkp {
		s.globalCkp = gcp
	}
}

// Promote turns a replica into the primary for term. The copy is drained
// with all permits so no replica operation straddles the role change.
func (s *Shard) Promote(ctx context.Context, term int64) error {
	permit, err := s.acquire(ctx, permits.All)
	if err != nil {
		return err
	}
	defer permit.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ShardStateClosed {
		return ErrClosed
	}
	if term <= s.primaryTerm {
		return fmt.Errorf("%w: promotion term %d, shard term %d", ErrStalePrimaryTerm, term, s.primaryTerm)
	}
	s.role = RolePrimary
	s.state = ShardStateActive
	s.primaryTerm = term
	return nil
}

// HandOff drains the primary and marks it relocated; later primary permits
// fail with ErrNotInPrimaryMode so callers re-resolve the primary.
func (s *Shard) HandOff(ctx context.Context) error {
	permit, err := s.AcquireAllPrimaryPermits(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()

	s.mu.Lock()
	s.state = ShardStateRelocated
	s.mu.Unlock()
	return nil
}

// Close drains the copy, fails every later permit request and closes the
// store
func (s *Shard) Close(ctx context.Context) error {
	permit, err := s.acquire(ctx, permits.All)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = ShardStateClosed
	s.mu.Unlock()

	s.permits.Close()
	permit.Release()
	return s.Store.Close()
}

// Get retrieves a document from this copy
func (s *Shard) Get(key string) ([]byte, error) {
	if s.State() == ShardStateClosed {
		return nil, ErrClosed
	}
	return s.Store.Get(key)
}

// GetStats returns a snapshot of the operation counters
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		PrimaryOps: atomic.LoadUint64(&s.Stats.PrimaryOps),
		ReplicaOps: atomic.LoadUint64(&s.Stats.ReplicaOps),
		Failed:     atomic.LoadUint64(&s.Stats.Failed),
	}
}

// Info returns metadata about the shard copy
func (s *Shard) Info() CopyInfo {
	s.mu.RLock()
	info := CopyInfo{
		ShardID:          s.ID,
		AllocationID:     s.AllocationID,
		Role:             s.role,
		State:            s.state,
		PrimaryTerm:      s.primaryTerm,
		GlobalCheckpoint: s.globalCkp,
	}
	s.mu.RUnlock()

	info.LocalCheckpoint = s.LocalCheckpoint()
	info.MaxSeqNo = s.MaxSeqNo()
	info.ActiveOps = s.ActiveOperationsCount()
	info.Stats = s.GetStats()
	if info.State != ShardStateClosed {
		// Stats errors only mean the store went away under us.
		info.Storage, _ = s.Store.Stats()
	}
	return info
}
