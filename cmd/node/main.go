// Package main implements the replicator node, one member of a cluster that
// stores sharded documents and replicates every write from a shard's primary
// copy to its in-sync replicas.
//
// The node is responsible for:
//   - Building the cluster state from the static topology in its config
//   - Opening the shard copies the topology places on it
//   - Running the replication coordinator for writes and drains
//   - Serving the replication, document and admin HTTP API
//   - Checking peer health and failing over primaries of dead peers
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                    Node                      │
//	├──────────────────────────────────────────────┤
//	│  HTTP API (gin):                             │
//	│    /_replication/*  - node to node           │
//	│    /_doc/*          - document reads/writes  │
//	│    /_blocks         - add / remove blocks    │
//	│    /_shards, /_state, /health                │
//	├──────────────────────────────────────────────┤
//	│  Components:                                 │
//	│    cluster.Service      - state snapshots    │
//	│    ShardRegistry        - routing            │
//	│    replication.Coordinator                   │
//	│    HealthMonitor        - peer failover      │
//	└──────────────────────────────────────────────┘
//
// Configuration:
//   - REPLICATOR_CONFIG: YAML config file (optional)
//   - NODE_ID: Unique node identifier (required, here or in the file)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Address peers use (default: the topology entry for NODE_ID)
//
// Example usage:
//
//	REPLICATOR_CONFIG=cluster.yaml NODE_ID=node-1 NODE_LISTEN=:8081 ./node
//
//	curl -X PUT localhost:8081/_doc/users/alice -d '{"age":30}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dreamware/replicator/internal/actions"
	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/config"
	"github.com/dreamware/replicator/internal/coordinator"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/transport"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// shutdownTimeout bounds the graceful shutdown of the server and shards.
const shutdownTimeout = 10 * time.Second

// app is a fully wired node.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	node     *Node
	state    *cluster.Service
	registry *coordinator.ShardRegistry
	coord    *replication.Coordinator
	health   *coordinator.HealthMonitor
	engine   *gin.Engine
}

// newApp builds the cluster state, opens local shards and wires the
// coordinator and HTTP server. Nothing is started.
func newApp(cfg config.Config, logger zerolog.Logger) (*app, error) {
	logger = logger.With().Str("node", cfg.Node.ID).Logger()

	state := cluster.NewService(nil)
	state.SetLogger(logger.With().Str("component", "cluster").Logger())
	registry := coordinator.NewShardRegistry(state)
	registry.SetLogger(logger.With().Str("component", "routing").Logger())

	if err := buildTopology(cfg, registry); err != nil {
		return nil, fmt.Errorf("build topology: %w", err)
	}

	node := NewNode(cfg.Node.ID, logger)
	if err := node.openShards(cfg, registry); err != nil {
		_ = node.Close(context.Background())
		return nil, fmt.Errorf("open shards: %w", err)
	}

	registryActions, err := replication.NewRegistry(actions.All(state)...)
	if err != nil {
		return nil, err
	}
	httpTransport := transport.NewHTTP(state)
	httpTransport.SetLogger(logger.With().Str("component", "transport").Logger())

	coord := replication.New(replication.Env{
		State:     state,
		Routing:   registry,
		Shards:    node,
		Transport: httpTransport,
		Actions:   registryActions,
		Logger:    logger.With().Str("component", "replication").Logger(),
		NodeID:    cfg.Node.ID,
		Config:    cfg.Replication.Config(),
	})

	a := &app{
		cfg:      cfg,
		logger:   logger,
		node:     node,
		state:    state,
		registry: registry,
		coord:    coord,
	}
	if cfg.Health.Enabled {
		a.health = coordinator.NewHealthMonitor(cfg.Health.Interval, cfg.Health.MaxFailures)
		a.health.SetLogger(logger.With().Str("component", "health").Logger())
		a.health.SetOnUnhealthy(a.failNode)
	}

	a.engine = transport.NewServer(transport.ServerConfig{
		Coordinator: coord,
		Registry:    registry,
		Shards:      node,
		Health:      a.health,
		Logger:      logger.With().Str("component", "http").Logger(),
		NodeID:      cfg.Node.ID,
	}).Engine()
	return a, nil
}

// failNode moves primaries off a peer the health monitor gave up on.
func (a *app) failNode(nodeID string) {
	moved, err := a.registry.FailNode(nodeID)
	if err != nil {
		a.logger.Error().Err(err).Str("failed_node", nodeID).Msg("failing node copies")
		return
	}
	for _, id := range moved {
		a.logger.Warn().Str("failed_node", nodeID).Stringer("shard", id).Msg("primary moved")
	}
}

// peers returns every other node in the current state.
func (a *app) peers() []cluster.NodeInfo {
	var out []cluster.NodeInfo
	for _, n := range a.state.Current().Nodes() {
		if n.ID != a.cfg.Node.ID {
			out = append(out, n)
		}
	}
	return out
}

// serve runs the node on ln until ctx is done, then shuts down gracefully.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.node.followRouting(bg, a.state)
	if a.health != nil {
		go a.health.Start(bg, a.peers)
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info().Str("listen", ln.Addr().String()).Str("addr", a.cfg.AdvertisedAddr()).Int("shards", len(a.node.Shards())).Msg("node listening")
		errc <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-errc:
		serveErr = err
	case <-ctx.Done():
	}

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.logger.Error().Err(err).Msg("server shutdown")
	}
	cancel()
	if a.health != nil {
		a.health.Stop()
	}
	if err := a.node.Close(sctx); err != nil {
		a.logger.Error().Err(err).Msg("closing shards")
	}
	a.logger.Info().Msg("node stopped")

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// newLogger returns the console logger the node writes to stderr.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

// main loads the configuration, wires the node and serves until SIGINT or
// SIGTERM.
//
// Exit codes:
//   - 0: Normal shutdown via signal
//   - 1: Invalid configuration, unopenable shard or listen failure
func main() {
	cfg, err := config.Load(os.Getenv("REPLICATOR_CONFIG"))
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	logger := newLogger(cfg.LogLevel)
	if logger.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logFatal("start node: %v", err)
		return
	}

	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		_ = a.node.Close(context.Background())
		logFatal("listen: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.serve(ctx, ln); err != nil {
		logFatal("serve: %v", err)
	}
}
