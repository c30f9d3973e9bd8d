package shard

import "sync"

// NoOpsPerformed is the checkpoint of a copy that has processed nothing.
const NoOpsPerformed int64 = -1

// checkpointTracker hands out sequence numbers and tracks the local
// checkpoint: the highest sequence number below which every operation has
// been processed. Operations complete out of order, so completed numbers
// above the checkpoint are parked until the gap closes.
type checkpointTracker struct {
	processed  map[int64]struct{}
	next       int64
	maxSeqNo   int64
	checkpoint int64
	mu         sync.Mutex
}

func newCheckpointTracker() *checkpointTracker {
	return &checkpointTracker{
		processed:  make(map[int64]struct{}),
		maxSeqNo:   NoOpsPerformed,
		checkpoint: NoOpsPerformed,
	}
}

// generate assigns the next sequence number.
func (c *checkpointTracker) generate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.next
	c.next++
	if seq > c.maxSeqNo {
		c.maxSeqNo = seq
	}
	return seq
}

// advanceMaxSeqNo records that the primary has issued seqNo.
func (c *checkpointTracker) advanceMaxSeqNo(seqNo int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seqNo > c.maxSeqNo {
		c.maxSeqNo = seqNo
	}
	if seqNo >= c.next {
		c.next = seqNo + 1
	}
}

func (c *checkpointTracker) markProcessed(seqNo int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seqNo <= c.checkpoint {
		return
	}
	c.processed[seqNo] = struct{}{}
	for {
		if _, ok := c.processed[c.checkpoint+1]; !ok {
			return
		}
		delete(c.processed, c.checkpoint+1)
		c.checkpoint++
	}
}

func (c *checkpointTracker) localCheckpoint() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint
}

func (c *checkpointTracker) max() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSeqNo
}
