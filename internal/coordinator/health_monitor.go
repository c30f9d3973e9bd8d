package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/replicator/internal/cluster"
)

// Node health statuses.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health of one peer node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically checks peer nodes and reports nodes that
// failed maxFailures checks in a row. A node's copies can then be failed
// through ShardRegistry.FailNode so they stop receiving replicated writes.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(nodeID string)
	ctx         context.Context
	cancel      context.CancelFunc
	logger      zerolog.Logger
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor checking every interval. Nodes are
// marked unhealthy after maxFailures consecutive failed checks (3 if
// maxFailures <= 0).
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 3)
//	monitor.SetOnUnhealthy(func(nodeID string) { registry.FailNode(nodeID) })
//	go monitor.Start(ctx, peers)
func NewHealthMonitor(interval time.Duration, maxFailures int) *HealthMonitor {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
		nodes:       make(map[string]*NodeHealth),
		logger:      zerolog.Nop(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetLogger sets the logger for health transitions.
func (h *HealthMonitor) SetLogger(logger zerolog.Logger) {
	h.logger = logger
}

// SetOnUnhealthy sets the callback invoked, in its own goroutine, when a
// node turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP health check, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start checks the nodes returned by nodeProvider until ctx is cancelled or
// Stop is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.checkAllNodes(nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(nodeProvider())
		case <-ctx.Done():
			h.logger.Info().Msg("health monitor stopping")
			return
		case <-h.ctx.Done():
			h.logger.Info().Msg("health monitor stopping")
			return
		}
	}
}

// Stop cancels a running Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes checks every node and forgets nodes that are gone.
func (h *HealthMonitor) checkAllNodes(nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Debug().Str("peer", nodeID).Msg("removed node from health monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	err := h.checkFunc(ctx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info().Str("peer", node.ID).Msg("node recovered")
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Debug().Err(err).Str("peer", node.ID).Int("fails", health.ConsecutiveFails).Int("max_fails", h.maxFailures).Msg("health check failed")
	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	h.logger.Warn().Str("peer", node.ID).Int("fails", health.ConsecutiveFails).Msg("node marked unhealthy")
	if h.onUnhealthy != nil {
		go h.onUnhealthy(node.ID)
	}
}

// defaultHealthCheck GETs /health on addr.
func defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}
	var body map[string]any
	if err := cluster.GetJSON(ctx, url, &body); err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	return nil
}

// GetNodeHealth returns a copy of the health of nodeID, or nil if it is not
// monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	out := *health
	return &out
}

// GetAllNodeHealth returns copies of every monitored node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out := *health
		result[id] = &out
	}
	return result
}

// IsHealthy reports whether nodeID passed its last check.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}
