package cluster

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// ShardID identifies a shard for the lifetime of its index.
type ShardID struct {
	Index     string `json:"index"`
	IndexUUID string `json:"index_uuid"`
	Shard     int    `json:"shard"`
}

func (id ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", id.Index, id.Shard)
}

// ShardCopy is one assigned copy of a shard.
type ShardCopy struct {
	NodeID       string  `json:"node_id"`
	AllocationID string  `json:"allocation_id"`
	ShardID      ShardID `json:"shard_id"`
	Primary      bool    `json:"primary"`
}

// ShardRouting is the routing entry of a single shard: the primary, the
// replicas and the allocation ids of the copies that are in sync.
type ShardRouting struct {
	Primary     *ShardCopy  `json:"primary,omitempty"`
	Replicas    []ShardCopy `json:"replicas"`
	InSync      []string    `json:"in_sync"`
	PrimaryTerm int64       `json:"primary_term"`
}

// IsInSync reports whether allocationID is part of the in-sync set.
func (r ShardRouting) IsInSync(allocationID string) bool {
	return slices.Contains(r.InSync, allocationID)
}

// InSyncReplicas returns the assigned replicas that are in sync, excluding
// the primary.
func (r ShardRouting) InSyncReplicas() []ShardCopy {
	var out []ShardCopy
	for _, c := range r.Replicas {
		if c.NodeID != "" && r.IsInSync(c.AllocationID) {
			out = append(out, c)
		}
	}
	return out
}

// Copy returns the copy with the given allocation id.
func (r ShardRouting) Copy(allocationID string) (ShardCopy, bool) {
	if r.Primary != nil && r.Primary.AllocationID == allocationID {
		return *r.Primary, true
	}
	for _, c := range r.Replicas {
		if c.AllocationID == allocationID {
			return c, true
		}
	}
	return ShardCopy{}, false
}

// Clone returns a deep copy that can be modified by a state builder.
func (r ShardRouting) Clone() ShardRouting {
	out := ShardRouting{
		Replicas:    slices.Clone(r.Replicas),
		InSync:      slices.Clone(r.InSync),
		PrimaryTerm: r.PrimaryTerm,
	}
	if r.Primary != nil {
		p := *r.Primary
		out.Primary = &p
	}
	return out
}
