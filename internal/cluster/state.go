package cluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// State is an immutable snapshot of blocks, routing and nodes. Snapshots are
// swapped wholesale by Service; a State is never modified once published.
type State struct {
	routing map[ShardID]ShardRouting
	nodes   map[string]NodeInfo
	Blocks  Blocks
	Version int64
}

// NewState returns an empty state at version 0.
func NewState() *State {
	return &State{
		routing: make(map[ShardID]ShardRouting),
		nodes:   make(map[string]NodeInfo),
	}
}

// Shard returns a copy of the routing entry for id.
func (s *State) Shard(id ShardID) (ShardRouting, bool) {
	r, ok := s.routing[id]
	if !ok {
		return ShardRouting{}, false
	}
	return r.Clone(), true
}

// ShardIDs returns every routed shard, ordered by index then shard number.
func (s *State) ShardIDs() []ShardID {
	ids := make([]ShardID, 0, len(s.routing))
	for id := range s.routing {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ShardID) int {
		if a.Index != b.Index {
			if a.Index < b.Index {
				return -1
			}
			return 1
		}
		return a.Shard - b.Shard
	})
	return ids
}

// Node returns the node registered under id.
func (s *State) Node(id string) (NodeInfo, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all registered nodes ordered by id.
func (s *State) Nodes() []NodeInfo {
	out := make([]NodeInfo, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Builder derives a new State from an existing one.
type Builder struct {
	st State
}

// NewBuilder starts a builder from a copy of from. A nil from starts empty.
func NewBuilder(from *State) *Builder {
	if from == nil {
		from = NewState()
	}
	b := &Builder{st: State{
		routing: make(map[ShardID]ShardRouting, len(from.routing)),
		nodes:   make(map[string]NodeInfo, len(from.nodes)),
		Blocks:  from.Blocks,
		Version: from.Version,
	}}
	for id, r := range from.routing {
		b.st.routing[id] = r.Clone()
	}
	for id, n := range from.nodes {
		b.st.nodes[id] = n
	}
	return b
}

// Blocks replaces the block set.
func (b *Builder) Blocks(blocks Blocks) *Builder {
	b.st.Blocks = blocks
	return b
}

// PutShard replaces the routing entry of id.
func (b *Builder) PutShard(id ShardID, r ShardRouting) *Builder {
	b.st.routing[id] = r.Clone()
	return b
}

// PutNode registers or replaces a node.
func (b *Builder) PutNode(n NodeInfo) *Builder {
	b.st.nodes[n.ID] = n
	return b
}

// RemoveNode drops a node from the node table. Routing is left untouched.
func (b *Builder) RemoveNode(id string) *Builder {
	delete(b.st.nodes, id)
	return b
}

// Build returns the new snapshot. The version is assigned by Service.
func (b *Builder) Build() *State {
	st := b.st
	return &st
}

// Service publishes cluster state snapshots and lets callers wait for newer
// ones. Readers load the current snapshot without locking.
type Service struct {
	current atomic.Pointer[State]
	changed chan struct{}
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewService creates a service publishing initial (or an empty state).
func NewService(initial *State) *Service {
	if initial == nil {
		initial = NewState()
	}
	s := &Service{
		changed: make(chan struct{}),
		logger:  zerolog.Nop(),
	}
	s.current.Store(initial)
	return s
}

// SetLogger sets the logger used for state updates.
func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// Current returns the latest published snapshot.
func (s *Service) Current() *State {
	return s.current.Load()
}

// Update applies fn to the current state and publishes the result with the
// next version. Returning the input unchanged (or an error) publishes nothing.
func (s *Service) Update(source string, fn func(*State) (*State, error)) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next, err := fn(prev)
	if err != nil {
		return prev, err
	}
	if next == nil || next == prev {
		return prev, nil
	}
	next.Version = prev.Version + 1
	s.current.Store(next)

	close(s.changed)
	s.changed = make(chan struct{})

	s.logger.Debug().Str("source", source).Int64("version", next.Version).Msg("published cluster state")
	return next, nil
}

// WaitForChange blocks until a state newer than version is published.
func (s *Service) WaitForChange(ctx context.Context, version int64) (*State, error) {
	return s.WaitFor(ctx, version, nil)
}

// WaitFor blocks until a state newer than version is published that also
// satisfies accept (nil accepts any state).
func (s *Service) WaitFor(ctx context.Context, version int64, accept func(*State) bool) (*State, error) {
	for {
		s.mu.Lock()
		cur := s.current.Load()
		changed := s.changed
		s.mu.Unlock()

		if cur.Version > version && (accept == nil || accept(cur)) {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}
