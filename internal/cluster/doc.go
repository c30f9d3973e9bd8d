// Package cluster holds the cluster-wide view the replication engine reads:
// administrative blocks, the shard routing table and the node table, bundled
// into immutable State snapshots published by a Service.
//
// # Overview
//
// Every write consults the cluster state at least twice: once before it asks
// for an operation permit and once right after it gets one. Both reads must
// be cheap and must never observe a half-applied change, so the package
// follows a copy-on-write model:
//
//	          Update(fn)
//	              │
//	              ▼
//	┌───────────────────────────┐     Current()     ┌──────────────┐
//	│          Service          │ ────────────────▶ │  *State v42  │ (read-only)
//	│  atomic.Pointer[State]    │                   └──────────────┘
//	│  changed chan struct{}    │ ── WaitFor(ctx, v, accept) ──▶ waiters wake
//	└───────────────────────────┘
//
// A Builder copies the previous snapshot, callers modify the copy and the
// Service publishes it under the next version. Readers hold on to the
// pointer they loaded; they re-fetch Current() when they need a newer view.
//
// # Blocks
//
// A Block restricts one or more BlockLevel classes (read, write, metadata)
// either globally or for a single index. Blocks may be retryable, in which
// case a blocked write waits for the block to be lifted instead of failing.
//
// # Routing
//
// ShardRouting records the primary copy, the replicas, the current primary
// term and the allocation ids of the in-sync copies. Only copies in the
// in-sync set receive replicated writes.
//
// # Notifications
//
// WaitForChange and WaitFor are subscriptions: each published state closes a
// channel that all current waiters select on, so retries are driven by state
// changes rather than polling. Both honor context cancellation and deadlines.
//
// # Transport helpers
//
// PostJSON and GetJSON are the JSON-over-HTTP helpers used by the node
// transport. Non-2xx answers come back as *HTTPError with the response body
// so structured error envelopes can be decoded by the caller.
package cluster
