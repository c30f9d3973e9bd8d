package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/replicator/internal/replication"
)

// Local delivers requests to coordinators in the same process. Disconnect
// makes a node unreachable without stopping it.
type Local struct {
	nodes        map[string]*replication.Coordinator
	disconnected map[string]bool
	mu           sync.RWMutex
}

// NewLocal returns an empty in-process transport.
func NewLocal() *Local {
	return &Local{
		nodes:        make(map[string]*replication.Coordinator),
		disconnected: make(map[string]bool),
	}
}

// Register makes c reachable as nodeID.
func (l *Local) Register(nodeID string, c *replication.Coordinator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[nodeID] = c
}

// Disconnect makes nodeID unreachable.
func (l *Local) Disconnect(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected[nodeID] = true
}

// Reconnect undoes Disconnect.
func (l *Local) Reconnect(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.disconnected, nodeID)
}

func (l *Local) node(nodeID string) (*replication.Coordinator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.nodes[nodeID]
	if !ok || l.disconnected[nodeID] {
		return nil, fmt.Errorf("%w: %s", replication.ErrNodeUnreachable, nodeID)
	}
	return c, nil
}

// SendPrimary runs req on nodeID's coordinator.
func (l *Local) SendPrimary(ctx context.Context, nodeID string, req *replication.PrimaryRequest) (*replication.Response, error) {
	c, err := l.node(nodeID)
	if err != nil {
		return nil, err
	}
	r := *req
	return c.HandlePrimary(ctx, &r)
}

// SendReplica runs req on nodeID's coordinator.
func (l *Local) SendReplica(ctx context.Context, nodeID string, req *replication.ReplicaRequest) (*replication.ReplicaResponse, error) {
	c, err := l.node(nodeID)
	if err != nil {
		return nil, err
	}
	r := *req
	return c.HandleReplica(ctx, &r)
}
