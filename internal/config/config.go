// Package config loads the configuration of a replicator node: its identity,
// storage engine, replication timeouts and the static cluster topology every
// node builds its initial cluster state from.
//
// A YAML file is read first; environment variables then override single
// settings, so a fleet can share one topology file and differ only in env:
//
//	NODE_ID=node-2 NODE_LISTEN=:8082 REPLICATOR_CONFIG=cluster.yaml ./node
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/replicator/internal/replication"
)

// Storage engines.
const (
	EngineMemory = "memory"
	EngineBolt   = "bolt"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Storage     StorageConfig     `yaml:"storage"`
	LogLevel    string            `yaml:"log_level"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Replication ReplicationConfig `yaml:"replication"`
	Health      HealthConfig      `yaml:"health"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
	// Addr is the address peers reach this node on. Defaults to the address
	// the topology lists for ID.
	Addr string `yaml:"addr"`
}

// StorageConfig selects where shard copies keep their documents.
type StorageConfig struct {
	Engine  string `yaml:"engine"`
	DataDir string `yaml:"data_dir"`
}

// ReplicationConfig bounds waits and retries of replicated operations.
type ReplicationConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	PermitTimeout  time.Duration `yaml:"permit_timeout"`
	ReplicaTimeout time.Duration `yaml:"replica_timeout"`
	RetryTimeout   time.Duration `yaml:"retry_timeout"`
}

// HealthConfig controls peer health checking.
type HealthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	MaxFailures int           `yaml:"max_failures"`
}

// ClusterConfig is the static topology.
type ClusterConfig struct {
	Nodes   []NodeEntry  `yaml:"nodes"`
	Indices []IndexEntry `yaml:"indices"`
}

// NodeEntry is a cluster member.
type NodeEntry struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// IndexEntry declares an index. Shards are spread over the nodes in the
// order they are listed: the primary of shard i goes to node i mod n and its
// replicas to the nodes that follow.
type IndexEntry struct {
	Name     string `yaml:"name"`
	Shards   int    `yaml:"shards"`
	Replicas int    `yaml:"replicas"`
}

// Default returns the configuration used for anything a file or the
// environment leaves unset.
func Default() Config {
	def := replication.DefaultConfig()
	return Config{
		Node:     NodeConfig{Listen: ":8081"},
		Storage:  StorageConfig{Engine: EngineMemory, DataDir: "data"},
		LogLevel: "info",
		Replication: ReplicationConfig{
			MaxRetries:     def.MaxRetries,
			PermitTimeout:  def.PermitTimeout,
			ReplicaTimeout: def.ReplicaTimeout,
			RetryTimeout:   def.RetryTimeout,
		},
		Health: HealthConfig{
			Enabled:     true,
			Interval:    5 * time.Second,
			MaxFailures: 3,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping the values of keys the document does
// not mention.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Node.ID = getenv("NODE_ID", c.Node.ID)
	c.Node.Listen = getenv("NODE_LISTEN", c.Node.Listen)
	c.Node.Addr = getenv("NODE_ADDR", c.Node.Addr)
	c.Storage.Engine = getenv("REPLICATOR_STORAGE", c.Storage.Engine)
	c.Storage.DataDir = getenv("REPLICATOR_DATA_DIR", c.Storage.DataDir)
	c.LogLevel = getenv("REPLICATOR_LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("REPLICATOR_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: REPLICATOR_MAX_RETRIES: %v", ErrInvalid, err)
		}
		c.Replication.MaxRetries = n
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"REPLICATOR_PERMIT_TIMEOUT", &c.Replication.PermitTimeout},
		{"REPLICATOR_REPLICA_TIMEOUT", &c.Replication.ReplicaTimeout},
		{"REPLICATOR_RETRY_TIMEOUT", &c.Replication.RetryTimeout},
	} {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks the configuration is complete and the topology places
// every copy on a known node.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("%w: node id is required", ErrInvalid)
	}
	switch c.Storage.Engine {
	case EngineMemory:
	case EngineBolt:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("%w: bolt storage needs a data dir", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage engine %q", ErrInvalid, c.Storage.Engine)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	if c.Replication.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalid)
	}
	if c.Health.Enabled && (c.Health.Interval <= 0 || c.Health.MaxFailures <= 0) {
		return fmt.Errorf("%w: health interval and max_failures must be positive", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Cluster.Nodes))
	for _, n := range c.Cluster.Nodes {
		if n.ID == "" || n.Addr == "" {
			return fmt.Errorf("%w: cluster nodes need an id and an addr", ErrInvalid)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node %s", ErrInvalid, n.ID)
		}
		seen[n.ID] = true
	}
	if len(c.Cluster.Nodes) > 0 && !seen[c.Node.ID] {
		return fmt.Errorf("%w: node %s is not part of the cluster", ErrInvalid, c.Node.ID)
	}

	indices := make(map[string]bool, len(c.Cluster.Indices))
	for _, idx := range c.Cluster.Indices {
		switch {
		case idx.Name == "":
			return fmt.Errorf("%w: index without a name", ErrInvalid)
		case indices[idx.Name]:
			return fmt.Errorf("%w: duplicate index %s", ErrInvalid, idx.Name)
		case idx.Shards <= 0:
			return fmt.Errorf("%w: index %s needs at least one shard", ErrInvalid, idx.Name)
		case idx.Replicas < 0 || idx.Replicas >= len(c.Cluster.Nodes):
			return fmt.Errorf("%w: index %s: %d replicas do not fit on %d nodes", ErrInvalid, idx.Name, idx.Replicas, len(c.Cluster.Nodes))
		}
		indices[idx.Name] = true
	}
	return nil
}

// AdvertisedAddr is the address peers use to reach this node.
func (c *Config) AdvertisedAddr() string {
	if c.Node.Addr != "" {
		return c.Node.Addr
	}
	for _, n := range c.Cluster.Nodes {
		if n.ID == c.Node.ID {
			return n.Addr
		}
	}
	return c.Node.Listen
}

// Placement returns the nodes holding the primary and the replicas of shard
// number shard of idx.
func (c ClusterConfig) Placement(idx IndexEntry, shard int) (primary string, replicas []string) {
	n := len(c.Nodes)
	if n == 0 {
		return "", nil
	}
	primary = c.Nodes[shard%n].ID
	for i := 1; i <= idx.Replicas && i < n; i++ {
		replicas = append(replicas, c.Nodes[(shard+i)%n].ID)
	}
	return primary, replicas
}

// Config converts to the coordinator's config.
func (r ReplicationConfig) Config() replication.Config {
	return replication.Config{
		MaxRetries:     r.MaxRetries,
		PermitTimeout:  r.PermitTimeout,
		ReplicaTimeout: r.ReplicaTimeout,
		RetryTimeout:   r.RetryTimeout,
	}
}

// getenv returns the environment variable k, or def when it is unset or
// empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
