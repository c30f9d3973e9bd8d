// Package storage provides the key-value stores that hold a shard copy's
// documents, and the Operation type describing a single document mutation.
//
// # Overview
//
// The replication engine never interprets documents. A shard copy applies an
// Operation (put or delete) to its Store once it holds an operation permit;
// the same Operation is then shipped to every in-sync replica and applied to
// their stores.
//
//	┌──────────────────────────┐
//	│    shard.Shard (copy)    │
//	│  permits · seq numbers   │
//	└────────────┬─────────────┘
//	             │ Operation.Apply
//	             ▼
//	┌──────────────────────────┐
//	│      Store interface     │
//	└──────┬────────────┬──────┘
//	       ▼            ▼
//	┌────────────┐ ┌────────────┐
//	│ MemoryStore│ │ BoltStore  │
//	└────────────┘ └────────────┘
//
// # Implementations
//
// MemoryStore: map guarded by sync.RWMutex
//   - Values are copied in and out
//   - Lost on restart; used by tests and the default node config
//
// BoltStore: one bolt file per shard copy
//   - A single "docs" bucket keyed by document key
//   - Values copied out of read transactions
//   - Selected with storage.engine: bolt
//
// # Errors
//
//   - ErrKeyNotFound: Get on a missing key
//   - ErrStoreClosed: any call after Close
//   - ErrInvalidOperation: malformed Operation, rejected before the store is
//     touched; the replication layer surfaces it to the caller unchanged
//
// # Concurrency
//
// Every Store is safe for concurrent use. Ordering between concurrent writes
// to the same key is not defined here; shard copies assign sequence numbers
// above this layer.
package storage
