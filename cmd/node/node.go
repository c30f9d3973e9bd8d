package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/config"
	"github.com/dreamware/replicator/internal/coordinator"
	"github.com/dreamware/replicator/internal/shard"
	"github.com/dreamware/replicator/internal/storage"
)

// Node holds the shard copies the topology assigns to this process.
//
// Copies are opened once at startup. Afterwards only their roles change:
// a replica is promoted when the routing names it primary, and a primary
// whose routing moved elsewhere is handed off.
//
// Thread safety:
//   - The copy map is guarded by mu
//   - Individual copies handle their own synchronization
type Node struct {
	shards map[cluster.ShardID]*shard.Shard
	logger zerolog.Logger
	ID     string
	mu     sync.RWMutex
}

// NewNode returns a node with no shard copies.
func NewNode(id string, logger zerolog.Logger) *Node {
	return &Node{
		ID:     id,
		shards: make(map[cluster.ShardID]*shard.Shard),
		logger: logger,
	}
}

// AddShard makes s available to requests, replacing any copy of the same
// shard.
func (n *Node) AddShard(s *shard.Shard) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shards[s.ID] = s
}

// Shard returns the local copy of id.
func (n *Node) Shard(id cluster.ShardID) (*shard.Shard, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.shards[id]
	return s, ok
}

// Shards returns every local copy ordered by index and shard number.
func (n *Node) Shards() []*shard.Shard {
	n.mu.RLock()
	out := make([]*shard.Shard, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, s)
	}
	n.mu.RUnlock()

	slices.SortFunc(out, func(a, b *shard.Shard) int {
		if a.ID.Index != b.ID.Index {
			return strings.Compare(a.ID.Index, b.ID.Index)
		}
		return a.ID.Shard - b.ID.Shard
	})
	return out
}

// Close drains and closes every copy. Errors are joined.
func (n *Node) Close(ctx context.Context) error {
	var errs []error
	for _, s := range n.Shards() {
		if err := s.Close(ctx); err != nil && !errors.Is(err, shard.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// buildTopology publishes the static cluster of cfg: every node, every
// index and the placement of every copy.
func buildTopology(cfg config.Config, registry *coordinator.ShardRegistry) error {
	for _, n := range cfg.Cluster.Nodes {
		addr := n.Addr
		if n.ID == cfg.Node.ID {
			addr = cfg.AdvertisedAddr()
		}
		if err := registry.RegisterNode(cluster.NodeInfo{ID: n.ID, Addr: addr}); err != nil {
			return err
		}
	}
	if len(cfg.Cluster.Nodes) == 0 {
		if err := registry.RegisterNode(cluster.NodeInfo{ID: cfg.Node.ID, Addr: cfg.AdvertisedAddr()}); err != nil {
			return err
		}
	}

	for _, idx := range cfg.Cluster.Indices {
		ids, err := registry.CreateIndex(idx.Name, "", idx.Shards)
		if err != nil {
			return err
		}
		for _, id := range ids {
			primary, replicas := cfg.Cluster.Placement(idx, id.Shard)
			if _, err := registry.AssignPrimary(id, primary); err != nil {
				return fmt.Errorf("assign primary of %s: %w", id, err)
			}
			for _, r := range replicas {
				if _, err := registry.AssignReplica(id, r); err != nil {
					return fmt.Errorf("assign replica of %s: %w", id, err)
				}
			}
		}
	}
	return nil
}

// openShards opens a store and a shard copy for every copy the routing
// places on this node.
func (n *Node) openShards(cfg config.Config, registry *coordinator.ShardRegistry) error {
	state := registry.State().Current()
	for _, c := range registry.NodeCopies(state, n.ID) {
		rt, _ := state.Shard(c.ShardID)
		store, err := openStore(cfg.Storage, c.ShardID)
		if err != nil {
			return err
		}
		role := shard.RoleReplica
		if c.Primary {
			role = shard.RolePrimary
		}
		n.AddShard(shard.NewShard(c.ShardID, c.AllocationID, role, rt.PrimaryTerm, store))
		n.logger.Info().
			Stringer("shard", c.ShardID).
			Str("allocation_id", c.AllocationID).
			Str("role", string(role)).
			Int64("primary_term", rt.PrimaryTerm).
			Msg("opened shard copy")
	}
	return nil
}

// openStore returns the store of one shard copy. Bolt files live at
// <data_dir>/<index>/<shard>.db.
func openStore(cfg config.StorageConfig, id cluster.ShardID) (storage.Store, error) {
	if cfg.Engine == config.EngineBolt {
		return storage.OpenBoltStore(filepath.Join(cfg.DataDir, id.Index, strconv.Itoa(id.Shard)+".db"))
	}
	return storage.NewMemoryStore(), nil
}

// syncRoles aligns local copies with state: copies the routing now names
// primary are promoted and primaries that lost the role are handed off.
func (n *Node) syncRoles(ctx context.Context, state *cluster.State) {
	for _, s := range n.Shards() {
		rt, ok := state.Shard(s.ID)
		if !ok {
			continue
		}
		routedHere := rt.Primary != nil && rt.Primary.AllocationID == s.AllocationID
		log := n.logger.With().Stringer("shard", s.ID).Int64("primary_term", rt.PrimaryTerm).Logger()

		switch {
		case routedHere && s.Role() == shard.RoleReplica:
			if err := s.Promote(ctx, rt.PrimaryTerm); err != nil {
				log.Error().Err(err).Msg("promotion failed")
				continue
			}
			log.Info().Msg("promoted to primary")
		case !routedHere && s.Role() == shard.RolePrimary && s.State() == shard.ShardStateActive:
			if err := s.HandOff(ctx); err != nil {
				log.Error().Err(err).Msg("hand-off failed")
				continue
			}
			log.Info().Msg("handed off primary")
		}
	}
}

// followRouting applies every published state to the local copies until
// ctx is done.
func (n *Node) followRouting(ctx context.Context, states *cluster.Service) {
	version := states.Current().Version
	for {
		state, err := states.WaitForChange(ctx, version)
		if err != nil {
			return
		}
		version = state.Version
		n.syncRoles(ctx, state)
	}
}
