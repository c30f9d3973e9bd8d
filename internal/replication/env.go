package replication

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/shard"
)

// Routing resolves shard copies from a cluster state snapshot and records
// copies that fell out of sync.
type Routing interface {
	// ResolvePrimary returns the primary copy and current primary term, or a
	// *ShardNotFoundError when no primary is assigned.
	ResolvePrimary(state *cluster.State, id cluster.ShardID) (cluster.ShardCopy, int64, error)
	// InSyncReplicas returns the in-sync replica copies, primary excluded.
	InSyncReplicas(state *cluster.State, id cluster.ShardID) []cluster.ShardCopy
	// MarkCopyStale removes a copy from the in-sync set on behalf of the
	// primary holding primaryTerm.
	MarkCopyStale(ctx context.Context, id cluster.ShardID, allocationID string, primaryTerm int64, reason string) error
}

// ShardProvider looks up the shard copies hosted on this node.
type ShardProvider interface {
	Shard(id cluster.ShardID) (*shard.Shard, bool)
}

// Transport delivers primary and replica requests to a node.
type Transport interface {
	SendPrimary(ctx context.Context, nodeID string, req *PrimaryRequest) (*Response, error)
	SendReplica(ctx context.Context, nodeID string, req *ReplicaRequest) (*ReplicaResponse, error)
}

// Config bounds waits and retries.
type Config struct {
	// MaxRetries is the number of re-attempts after a retryable failure.
	MaxRetries int
	// PermitTimeout bounds the wait for an operation permit.
	PermitTimeout time.Duration
	// ReplicaTimeout bounds the wait for replica acknowledgements.
	ReplicaTimeout time.Duration
	// RetryTimeout bounds the whole Execute call including retries.
	RetryTimeout time.Duration
}

// DefaultConfig returns the defaults used when a node config omits them.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		PermitTimeout:  30 * time.Second,
		ReplicaTimeout: 30 * time.Second,
		RetryTimeout:   time.Minute,
	}
}

// Env is everything an operation needs, constructed once per node and passed
// to the Coordinator. Nothing is looked up globally.
type Env struct {
	State     *cluster.Service
	Routing   Routing
	Shards    ShardProvider
	Transport Transport
	Actions   *Registry
	Logger    zerolog.Logger
	NodeID    string
	Config    Config
}
