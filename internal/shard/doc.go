// Package shard implements a single copy of a shard: the unit that holds
// documents, admits operations through permits and tracks sequence numbers
// for replication.
//
// # Overview
//
// Every copy is either the primary or a replica of its shard. The primary
// assigns sequence numbers and forwards each write to the in-sync replicas;
// replicas apply writes under the sequence number they were given.
//
//	┌─────────────────────────────────────┐
//	│               SHARD COPY            │
//	├─────────────────────────────────────┤
//	│  identity   ShardID + AllocationID  │
//	│  role       primary | replica       │
//	│  term       highest primary term    │
//	│  permits    single / all (drain)    │
//	│  seq nos    max, local ckp, global  │
//	│  store      storage.Store           │
//	└─────────────────────────────────────┘
//
// # Permits
//
// The permit tracker is private to the copy. Writers call
// AcquirePrimaryPermit or AcquireReplicaPermit and receive a permits.Permit
// they must release exactly once. Administrative work (promotion, hand-off,
// close, block installation) drains the copy with the all-permits variants.
//
// Role and term checks run after the permit is granted. A hand-off or
// promotion holds all permits while it switches the role, so a single
// permit granted afterwards always sees the new role:
//
//   - AcquirePrimary fails with ErrNotInPrimaryMode once the copy stopped
//     being an active primary
//   - AcquireReplica fails with ErrStalePrimaryTerm for operations from an
//     older primary, and adopts newer terms
//   - Both fail with ErrClosed after Close
//
// # Sequence numbers
//
// ApplyPrimary hands out consecutive sequence numbers. Operations finish out
// of order; the local checkpoint is the highest number below which all
// operations have been processed. The primary ships its global checkpoint
// and max sequence number with every replicated operation, and advances the
// global checkpoint once replicas report their local checkpoints.
//
// # Statistics
//
// ShardStats counts primary and replica operations and failures using
// atomic counters; Info combines them with role, term, checkpoints and store
// statistics for the node's /_shards endpoint.
package shard
