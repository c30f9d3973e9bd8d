// Package replication coordinates replicated write operations on a shard.
//
// An operation enters a node through Coordinator.Execute. The coordinator
// resolves the shard's primary from the latest cluster state and hands the
// operation to the node holding it, where HandlePrimary runs:
//
//	RESOLVE_PRIMARY -> VALIDATE_BLOCK_PRE -> ACQUIRE_PERMIT ->
//	VALIDATE_BLOCK_POST -> EXECUTE_ON_PRIMARY -> DISPATCH_REPLICAS
//
// Blocks are checked both before and after the permit is acquired. An
// administrative drain holds all permits of the shard while it installs a
// block, so an operation queued behind it sees the block on its second check
// and never mutates the shard.
//
// The primary then sends the operation to every in-sync replica at once and
// waits for all of them. Replication is best effort: ShardInfo counts the
// primary plus every replica attempted, and a replica failure never fails an
// operation the primary committed. Failures from copies that could not be
// reached are recorded as FatalReplicaError; any other failure gets the copy
// marked stale through the Routing collaborator and is recorded as
// StaleReplicaError.
//
// Stale routing (PrimaryMismatchError, ShardNotFoundError, a relocated or
// closed primary, an unreachable primary node) is retried once a newer
// cluster state is published. A retryable BlockedError waits for a state in
// which the block is gone. Both waits subscribe to cluster.Service; neither
// polls. Everything else, including PrimaryExecutionError and TimeoutError, is
// returned to the caller.
//
// Nothing in this package is global: a node builds one Env (state service,
// routing, local shards, transport, actions, logger and limits) at startup
// and passes it to New.
package replication
