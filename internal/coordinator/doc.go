// Package coordinator maintains the routing side of the cluster: which node
// holds which copy of every shard, which copies are in sync and what the
// current primary term is.
//
// # Overview
//
// Routing lives in the immutable cluster.State snapshots published by a
// cluster.Service. ShardRegistry is the only writer: each change builds a
// new snapshot and publishes it, which wakes every operation waiting for a
// newer state. Readers never lock; they resolve against whatever snapshot
// they hold.
//
//	┌──────────────────────────────────────────┐
//	│              ShardRegistry               │
//	├──────────────────────────────────────────┤
//	│  CreateIndex / AssignPrimary / Replica   │
//	│  PromoteReplica  (term + 1)              │
//	│  MarkCopyStale   (leave in-sync set)     │
//	│  FailNode        (promote or unassign)   │
//	├──────────────────────────────────────────┤
//	│  cluster.Service.Update -> new snapshot  │
//	└──────────────────────────────────────────┘
//	         ▲                       │
//	         │ FailNode              │ ResolvePrimary / InSyncReplicas
//	┌────────┴────────┐     ┌────────▼─────────────┐
//	│  HealthMonitor  │     │ replication.Coordinator│
//	└─────────────────┘     └──────────────────────┘
//
// # Identifiers
//
// Index uuids and allocation ids are name-based uuids (SHA-1), derived from
// the index name and from (index uuid, shard, node). Nodes that build their
// routing from the same topology therefore agree on every id without talking
// to each other.
//
// # Primary terms
//
// Every primary change increments the shard's primary term: assigning a new
// primary, promoting a replica and failing the primary's node. Copies reject
// replicated operations from older terms, and MarkCopyStale refuses requests
// from a primary that has been replaced, so a deposed primary cannot shrink
// the in-sync set of its successor.
//
// # Health monitoring
//
// HealthMonitor checks the /health endpoint of every peer. After a number of
// consecutive failures the node is reported unhealthy once; nodes wire that
// report to ShardRegistry.FailNode.
//
// # Key routing
//
// GetShardForKey hashes a document key with FNV-1a modulo the number of
// shards of the index. The mapping is deterministic for a fixed shard count.
package coordinator
