package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/replication"
)

var (
	// ErrIndexExists is returned when creating an index that is already routed.
	ErrIndexExists = errors.New("index already exists")
	// ErrUnknownIndex is returned for indices with no routing entries.
	ErrUnknownIndex = errors.New("unknown index")
	// ErrUnknownCopy is returned when an allocation id is not part of a shard.
	ErrUnknownCopy = errors.New("unknown shard copy")
	// ErrStaleTerm is returned when a copy is marked stale on behalf of a
	// primary that has since been replaced.
	ErrStaleTerm = errors.New("primary term is stale")
)

var (
	indexNamespace      = uuid.MustParse("8d0b4c0e-6f1e-4b52-9a53-0c8f2b7f6d41")
	allocationNamespace = uuid.MustParse("3f6c2a8e-1d7b-4c90-8e25-5b4a9d0e7c13")
)

// IndexUUID derives the uuid of an index from its name, so nodes built from
// the same topology agree on it.
func IndexUUID(name string) string {
	return uuid.NewSHA1(indexNamespace, []byte(name)).String()
}

// AllocationID derives the allocation id of the copy of shard id on nodeID.
// Every node computes the same id for the same assignment.
func AllocationID(id cluster.ShardID, nodeID string) string {
	key := fmt.Sprintf("%s/%d/%s", id.IndexUUID, id.Shard, nodeID)
	return uuid.NewSHA1(allocationNamespace, []byte(key)).String()
}

// ShardRegistry is the routing table writer of a node. It keeps shard
// assignments in the cluster state published by a cluster.Service and
// implements replication.Routing on top of the snapshots it publishes.
//
// Every change goes through cluster.Service.Update, so a change is a new
// immutable snapshot and observers waiting on the service are woken.
// The registry itself holds no routing data.
//
// Key routing uses FNV-1a over the document key, modulo the number of
// shards of the index:
//
//	"user:123" -> fnv32a -> 0x1a2b3c4d % 4 -> [users][1] -> primary on node-2
type ShardRegistry struct {
	state  *cluster.Service
	logger zerolog.Logger
}

// NewShardRegistry returns a registry writing routing into state.
func NewShardRegistry(state *cluster.Service) *ShardRegistry {
	return &ShardRegistry{state: state, logger: zerolog.Nop()}
}

// SetLogger sets the logger used for routing changes.
func (r *ShardRegistry) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// State returns the service the registry writes to.
func (r *ShardRegistry) State() *cluster.Service {
	return r.state
}

// RegisterNode adds node to the cluster state, replacing any previous
// address registered for the same id.
func (r *ShardRegistry) RegisterNode(node cluster.NodeInfo) error {
	if node.ID == "" {
		return errors.New("node ID cannot be empty")
	}
	_, err := r.state.Update("register-node "+node.ID, func(s *cluster.State) (*cluster.State, error) {
		if cur, ok := s.Node(node.ID); ok && cur == node {
			return s, nil
		}
		return cluster.NewBuilder(s).PutNode(node).Build(), nil
	})
	if err != nil {
		return err
	}
	r.logger.Debug().Str("node", node.ID).Str("addr", node.Addr).Msg("registered node")
	return nil
}

// CreateIndex adds numShards unassigned routing entries for name.
//
// Parameters:
//   - name: index name (must be non-empty and not yet routed)
//   - indexUUID: uuid of the index; empty derives it with IndexUUID
//   - numShards: number of shards (must be > 0)
//
// Returns the shard ids in shard order.
func (r *ShardRegistry) CreateIndex(name, indexUUID string, numShards int) ([]cluster.ShardID, error) {
	if name == "" {
		return nil, errors.New("index name cannot be empty")
	}
	if numShards <= 0 {
		return nil, fmt.Errorf("invalid shard count %d for index %s", numShards, name)
	}
	if indexUUID == "" {
		indexUUID = IndexUUID(name)
	}

	ids := make([]cluster.ShardID, numShards)
	for i := range ids {
		ids[i] = cluster.ShardID{Index: name, IndexUUID: indexUUID, Shard: i}
	}
	_, err := r.state.Update("create-index "+name, func(s *cluster.State) (*cluster.State, error) {
		if len(indexShards(s, name)) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrIndexExists, name)
		}
		b := cluster.NewBuilder(s)
		for _, id := range ids {
			b.PutShard(id, cluster.ShardRouting{})
		}
		return b.Build(), nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("index", name).Int("shards", numShards).Msg("created index")
	return ids, nil
}

// AssignPrimary makes the copy on nodeID the primary of id and starts a new
// primary term. A previous primary is dropped from the routing entry.
// The new copy joins the in-sync set.
func (r *ShardRegistry) AssignPrimary(id cluster.ShardID, nodeID string) (cluster.ShardCopy, error) {
	return r.assign(id, nodeID, true)
}

// AssignReplica adds a replica copy of id on nodeID to the in-sync set.
func (r *ShardRegistry) AssignReplica(id cluster.ShardID, nodeID string) (cluster.ShardCopy, error) {
	return r.assign(id, nodeID, false)
}

func (r *ShardRegistry) assign(id cluster.ShardID, nodeID string, primary bool) (cluster.ShardCopy, error) {
	if nodeID == "" {
		return cluster.ShardCopy{}, errors.New("node ID cannot be empty")
	}
	sc := cluster.ShardCopy{
		ShardID:      id,
		NodeID:       nodeID,
		AllocationID: AllocationID(id, nodeID),
		Primary:      primary,
	}

	_, err := r.state.Update("assign "+id.String(), func(s *cluster.State) (*cluster.State, error) {
		rt, ok := s.Shard(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, id)
		}
		if _, exists := rt.Copy(sc.AllocationID); exists {
			return nil, fmt.Errorf("shard %s already has a copy on node %s", id, nodeID)
		}
		if primary {
			if rt.Primary != nil {
				rt.InSync = without(rt.InSync, rt.Primary.AllocationID)
			}
			rt.Primary = &sc
			rt.PrimaryTerm++
		} else {
			rt.Replicas = append(rt.Replicas, sc)
		}
		rt.InSync = append(rt.InSync, sc.AllocationID)
		return cluster.NewBuilder(s).PutShard(id, rt).Build(), nil
	})
	if err != nil {
		return cluster.ShardCopy{}, err
	}
	r.logger.Debug().Stringer("shard", id).Str("target_node", nodeID).Bool("primary", primary).Str("allocation_id", sc.AllocationID).Msg("assigned shard copy")
	return sc, nil
}

// PromoteReplica turns the replica allocationID into the primary of id with
// the next primary term. The old primary leaves the routing entry; this is
// both failover and the last step of a primary relocation.
//
// Returns the new primary term.
func (r *ShardRegistry) PromoteReplica(id cluster.ShardID, allocationID string) (int64, error) {
	var term int64
	_, err := r.state.Update("promote "+id.String(), func(s *cluster.State) (*cluster.State, error) {
		rt, ok := s.Shard(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, id)
		}
		idx := slices.IndexFunc(rt.Replicas, func(c cluster.ShardCopy) bool { return c.AllocationID == allocationID })
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnknownCopy, allocationID, id)
		}
		if !rt.IsInSync(allocationID) {
			return nil, fmt.Errorf("cannot promote stale copy %s of %s", allocationID, id)
		}
		promoted := rt.Replicas[idx]
		promoted.Primary = true
		rt.Replicas = slices.Delete(rt.Replicas, idx, idx+1)
		if rt.Primary != nil {
			rt.InSync = without(rt.InSync, rt.Primary.AllocationID)
		}
		rt.Primary = &promoted
		rt.PrimaryTerm++
		term = rt.PrimaryTerm
		return cluster.NewBuilder(s).PutShard(id, rt).Build(), nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info().Stringer("shard", id).Str("allocation_id", allocationID).Int64("primary_term", term).Msg("promoted replica")
	return term, nil
}

// ResolvePrimary returns the primary of id in state and its primary term.
func (r *ShardRegistry) ResolvePrimary(state *cluster.State, id cluster.ShardID) (cluster.ShardCopy, int64, error) {
	rt, ok := state.Shard(id)
	if !ok || rt.Primary == nil {
		return cluster.ShardCopy{}, 0, &replication.ShardNotFoundError{ShardID: id}
	}
	return *rt.Primary, rt.PrimaryTerm, nil
}

// InSyncReplicas returns the in-sync replicas of id in state.
func (r *ShardRegistry) InSyncReplicas(state *cluster.State, id cluster.ShardID) []cluster.ShardCopy {
	rt, ok := state.Shard(id)
	if !ok {
		return nil
	}
	return rt.InSyncReplicas()
}

// MarkCopyStale removes allocationID from the in-sync set of id. Requests
// from a primary whose term is older than the current one are rejected with
// ErrStaleTerm. Marking a copy that already left the set is a no-op.
func (r *ShardRegistry) MarkCopyStale(_ context.Context, id cluster.ShardID, allocationID string, primaryTerm int64, reason string) error {
	changed := false
	_, err := r.state.Update("mark-stale "+id.String(), func(s *cluster.State) (*cluster.State, error) {
		rt, ok := s.Shard(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, id)
		}
		if primaryTerm < rt.PrimaryTerm {
			return nil, fmt.Errorf("%w: %d < %d for %s", ErrStaleTerm, primaryTerm, rt.PrimaryTerm, id)
		}
		if _, ok := rt.Copy(allocationID); !ok {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnknownCopy, allocationID, id)
		}
		if rt.Primary != nil && rt.Primary.AllocationID == allocationID {
			return nil, fmt.Errorf("cannot mark primary %s of %s stale", allocationID, id)
		}
		if !rt.IsInSync(allocationID) {
			return s, nil
		}
		rt.InSync = without(rt.InSync, allocationID)
		changed = true
		return cluster.NewBuilder(s).PutShard(id, rt).Build(), nil
	})
	if err != nil {
		return err
	}
	if changed {
		r.logger.Warn().Stringer("shard", id).Str("allocation_id", allocationID).Str("reason", reason).Msg("marked shard copy stale")
	}
	return nil
}

// FailNode takes every copy on nodeID out of the in-sync sets. Primaries on
// the node are replaced by their first in-sync replica with a new term;
// shards with no such replica are left without a primary until one is
// assigned.
//
// Returns the shards whose primary changed or was lost.
func (r *ShardRegistry) FailNode(nodeID string) ([]cluster.ShardID, error) {
	var affected []cluster.ShardID
	_, err := r.state.Update("fail-node "+nodeID, func(s *cluster.State) (*cluster.State, error) {
		affected = nil
		b := cluster.NewBuilder(s)
		changed := false
		for _, id := range s.ShardIDs() {
			rt, _ := s.Shard(id)
			next, primaryChanged, ok := failCopies(rt, nodeID)
			if !ok {
				continue
			}
			changed = true
			if primaryChanged {
				affected = append(affected, id)
			}
			b.PutShard(id, next)
		}
		if !changed {
			return s, nil
		}
		return b.Build(), nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Warn().Str("failed_node", nodeID).Int("primaries_moved", len(affected)).Msg("failed node copies")
	return affected, nil
}

// failCopies drops nodeID's copies from rt. ok reports whether anything
// changed.
func failCopies(rt cluster.ShardRouting, nodeID string) (next cluster.ShardRouting, primaryChanged, ok bool) {
	for _, c := range rt.Replicas {
		if c.NodeID == nodeID && rt.IsInSync(c.AllocationID) {
			rt.InSync = without(rt.InSync, c.AllocationID)
			ok = true
		}
	}
	if rt.Primary == nil || rt.Primary.NodeID != nodeID {
		return rt, false, ok
	}

	rt.InSync = without(rt.InSync, rt.Primary.AllocationID)
	rt.Primary = nil
	if candidates := rt.InSyncReplicas(); len(candidates) > 0 {
		promoted := candidates[0]
		promoted.Primary = true
		rt.Replicas = slices.DeleteFunc(rt.Replicas, func(c cluster.ShardCopy) bool { return c.AllocationID == promoted.AllocationID })
		rt.Primary = &promoted
		rt.PrimaryTerm++
	}
	return rt, true, true
}

// GetShardForKey determines which shard of index owns key in state.
//
// Hashing uses FNV-1a, so the same key always maps to the same shard for a
// fixed shard count.
//
// Returns ErrUnknownIndex if the index has no shards in state.
func (r *ShardRegistry) GetShardForKey(state *cluster.State, index, key string) (cluster.ShardID, error) {
	shards := indexShards(state, index)
	if len(shards) == 0 {
		return cluster.ShardID{}, fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return shards[int(h.Sum32()%uint32(len(shards)))], nil
}

// NodeCopies returns every copy assigned to nodeID in state.
func (r *ShardRegistry) NodeCopies(state *cluster.State, nodeID string) []cluster.ShardCopy {
	var out []cluster.ShardCopy
	for _, id := range state.ShardIDs() {
		rt, _ := state.Shard(id)
		if rt.Primary != nil && rt.Primary.NodeID == nodeID {
			out = append(out, *rt.Primary)
		}
		for _, c := range rt.Replicas {
			if c.NodeID == nodeID {
				out = append(out, c)
			}
		}
	}
	return out
}

// indexShards returns the shard ids of index ordered by shard number.
func indexShards(state *cluster.State, index string) []cluster.ShardID {
	var out []cluster.ShardID
	for _, id := range state.ShardIDs() {
		if id.Index == index {
			out = append(out, id)
		}
	}
	return out
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(slices.Clone(ids), func(s string) bool { return s == id })
}
