// Package actions holds the replicated operations a node registers with the
// replication coordinator.
//
// Write puts or deletes a single document and takes one operation permit.
// AddBlock and VerifyBeforeClose are administrative drains: they take all
// permits of a shard, so they run only once every in-flight write has
// finished, and every write queued behind them re-checks blocks after they
// are done.
package actions
