package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dreamware/replicator/internal/actions"
	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/coordinator"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/shard"
	"github.com/dreamware/replicator/internal/storage"
)

// ShardSet is the set of shard copies a node hosts.
type ShardSet interface {
	replication.ShardProvider
	Shards() []*shard.Shard
}

// ServerConfig wires a Server. Health is optional.
type ServerConfig struct {
	Coordinator *replication.Coordinator
	Registry    *coordinator.ShardRegistry
	Shards      ShardSet
	Health      *coordinator.HealthMonitor
	Logger      zerolog.Logger
	NodeID      string
}

// Server exposes a node over HTTP: the replication endpoints other nodes
// call, document and block endpoints for clients, and read-only views of
// the node's shards and cluster state.
type Server struct {
	coord    *replication.Coordinator
	registry *coordinator.ShardRegistry
	state    *cluster.Service
	shards   ShardSet
	health   *coordinator.HealthMonitor
	logger   zerolog.Logger
	nodeID   string
}

// NewServer returns a server for cfg.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		coord:    cfg.Coordinator,
		registry: cfg.Registry,
		state:    cfg.Registry.State(),
		shards:   cfg.Shards,
		health:   cfg.Health,
		logger:   cfg.Logger,
		nodeID:   cfg.NodeID,
	}
}

// Engine returns a gin engine with every route registered.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	s.Register(r)
	return r
}

// Register adds the server's routes to r.
func (s *Server) Register(r *gin.Engine) {
	// Node to node.
	r.POST(PrimaryPath, s.handlePrimary())
	r.POST(ReplicaPath, s.handleReplica())

	// Documents.
	r.PUT("/_doc/:index/:key", s.handleWriteDoc(storage.OpPut))
	r.DELETE("/_doc/:index/:key", s.handleWriteDoc(storage.OpDelete))
	r.GET("/_doc/:index/:key", s.handleGetDoc())

	// Administration.
	r.PUT("/_blocks", s.handleAddBlock())
	r.DELETE("/_blocks", s.handleRemoveBlock())
	r.POST("/_verify_close/:index", s.handleVerifyClose())

	// Introspection.
	r.GET("/_shards", s.handleShards())
	r.GET("/_shards/:index/:shard/_keys", s.handleKeys())
	r.GET("/_state", s.handleState())
	r.GET("/health", s.handleHealth())
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// fail writes err as an error envelope.
func (s *Server) fail(c *gin.Context, err error) {
	status, env := EncodeError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, env)
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", actions.ErrInvalidRequest, err)
}

func (s *Server) handlePrimary() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req replication.PrimaryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, invalid(err))
			return
		}
		resp, err := s.coord.HandlePrimary(c.Request.Context(), &req)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) handleReplica() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req replication.ReplicaRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, invalid(err))
			return
		}
		resp, err := s.coord.HandleReplica(c.Request.Context(), &req)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// DocResponse is the reply to a document write.
type DocResponse struct {
	Result      json.RawMessage       `json:"result"`
	Index       string                `json:"_index"`
	Key         string                `json:"_id"`
	ShardInfo   replication.ShardInfo `json:"_shards"`
	Shard       int                   `json:"_shard"`
	SeqNo       int64                 `json:"_seq_no"`
	PrimaryTerm int64                 `json:"_primary_term"`
}

func (s *Server) handleWriteDoc(opType storage.OpType) gin.HandlerFunc {
	return func(c *gin.Context) {
		index, key := c.Param("index"), c.Param("key")

		op := storage.Operation{Type: opType, Key: key}
		if opType == storage.OpPut {
			data, err := c.GetRawData()
			if err != nil {
				s.fail(c, invalid(err))
				return
			}
			if !json.Valid(data) {
				s.fail(c, invalid(errors.New("document body must be JSON")))
				return
			}
			op.Value = data
		}
		payload, err := json.Marshal(op)
		if err != nil {
			s.fail(c, err)
			return
		}

		id, err := s.registry.GetShardForKey(s.state.Current(), index, key)
		if err != nil {
			s.fail(c, err)
			return
		}
		resp, err := s.coord.Execute(c.Request.Context(), actions.WriteName, id, payload)
		if err != nil {
			s.fail(c, err)
			return
		}

		status := http.StatusOK
		var result actions.WriteResult
		if json.Unmarshal(resp.Result, &result) == nil && result.Result == actions.ResultCreated {
			status = http.StatusCreated
		}
		c.JSON(status, DocResponse{
			Index:       index,
			Key:         key,
			Shard:       id.Shard,
			Result:      resp.Result,
			ShardInfo:   resp.ShardInfo,
			SeqNo:       resp.SeqNo,
			PrimaryTerm: resp.PrimaryTerm,
		})
	}
}

// handleGetDoc reads from a local copy when the node has one and from the
// primary's node otherwise. local=true forbids forwarding.
func (s *Server) handleGetDoc() gin.HandlerFunc {
	return func(c *gin.Context) {
		index, key := c.Param("index"), c.Param("key")
		state := s.state.Current()

		id, err := s.registry.GetShardForKey(state, index, key)
		if err != nil {
			s.fail(c, err)
			return
		}

		sh, ok := s.shards.Shard(id)
		if !ok {
			if c.Query("local") == "true" {
				s.fail(c, &replication.ShardNotFoundError{ShardID: id, NodeID: s.nodeID})
				return
			}
			s.forwardGet(c, state, id)
			return
		}

		value, err := sh.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"_index": index, "_id": key, "found": false})
			return
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"_index": index, "_id": key, "found": true, "_source": json.RawMessage(value)})
	}
}

func (s *Server) forwardGet(c *gin.Context, state *cluster.State, id cluster.ShardID) {
	primary, _, err := s.registry.ResolvePrimary(state, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	node, ok := state.Node(primary.NodeID)
	if !ok {
		s.fail(c, fmt.Errorf("%w: %s", replication.ErrNodeUnreachable, primary.NodeID))
		return
	}

	url := BaseURL(node.Addr) + c.Request.URL.Path + "?local=true"
	var body map[string]any
	if err := cluster.GetJSON(c.Request.Context(), url, &body); err != nil {
		var httpErr *cluster.HTTPError
		switch {
		case errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound:
			c.Data(http.StatusNotFound, "application/json", httpErr.Body)
		case errors.As(err, &httpErr):
			s.fail(c, DecodeError(httpErr.Status, httpErr.Body))
		default:
			s.fail(c, fmt.Errorf("%w: %s: %v", replication.ErrNodeUnreachable, primary.NodeID, err))
		}
		return
	}
	c.JSON(http.StatusOK, body)
}

// BlockShardResult is the outcome of a drain action on one shard.
type BlockShardResult struct {
	Error     *ErrorBody             `json:"error,omitempty"`
	ShardInfo *replication.ShardInfo `json:"_shards,omitempty"`
	ShardID   cluster.ShardID        `json:"shard_id"`
}

// runOnShards executes a drain action on every shard of index (every shard
// when index is empty).
func (s *Server) runOnShards(c *gin.Context, action, index string, payload json.RawMessage) {
	state := s.state.Current()
	var results []BlockShardResult
	acknowledged := true
	for _, id := range state.ShardIDs() {
		if index != "" && id.Index != index {
			continue
		}
		res := BlockShardResult{ShardID: id}
		resp, err := s.coord.Execute(c.Request.Context(), action, id, payload)
		if err != nil {
			_, env := EncodeError(err)
			res.Error = &env.Error
			acknowledged = false
		} else {
			res.ShardInfo = &resp.ShardInfo
		}
		results = append(results, res)
	}
	if index != "" && len(results) == 0 {
		s.fail(c, fmt.Errorf("%w: %s", coordinator.ErrUnknownIndex, index))
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": acknowledged, "shards": results})
}

func (s *Server) handleAddBlock() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actions.BlockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, invalid(err))
			return
		}
		if err := req.Validate(); err != nil {
			s.fail(c, err)
			return
		}
		payload, err := json.Marshal(req)
		if err != nil {
			s.fail(c, err)
			return
		}
		if req.Index == "" && len(s.state.Current().ShardIDs()) == 0 {
			// Nothing to drain.
			if err := s.installBlock(req); err != nil {
				s.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"acknowledged": true})
			return
		}
		s.runOnShards(c, actions.AddBlockName, req.Index, payload)
	}
}

func (s *Server) installBlock(req actions.BlockRequest) error {
	_, err := s.state.Update("add-block", func(st *cluster.State) (*cluster.State, error) {
		return cluster.NewBuilder(st).Blocks(req.Install(st.Blocks)).Build(), nil
	})
	return err
}

// handleRemoveBlock lifts a block. Lifting needs no drain: operations
// waiting on a retryable block are woken by the new state.
func (s *Server) handleRemoveBlock() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Query("id"))
		if err != nil {
			s.fail(c, invalid(fmt.Errorf("block id: %v", err)))
			return
		}
		index := c.Query("index")

		removed := false
		_, err = s.state.Update("remove-block", func(st *cluster.State) (*cluster.State, error) {
			if index == "" {
				if !st.Blocks.HasGlobalBlock(id) {
					return st, nil
				}
				removed = true
				return cluster.NewBuilder(st).Blocks(st.Blocks.WithoutGlobal(id)).Build(), nil
			}
			if !st.Blocks.HasIndexBlock(index, id) {
				return st, nil
			}
			removed = true
			return cluster.NewBuilder(st).Blocks(st.Blocks.WithoutIndex(index, id)).Build(), nil
		})
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"acknowledged": true, "removed": removed})
	}
}

func (s *Server) handleVerifyClose() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actions.BlockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, invalid(err))
			return
		}
		req.Index = c.Param("index")
		payload, err := json.Marshal(req)
		if err != nil {
			s.fail(c, err)
			return
		}
		s.runOnShards(c, actions.VerifyBeforeCloseName, req.Index, payload)
	}
}

func (s *Server) handleShards() gin.HandlerFunc {
	return func(c *gin.Context) {
		infos := make([]shard.CopyInfo, 0)
		for _, sh := range s.shards.Shards() {
			infos = append(infos, sh.Info())
		}
		c.JSON(http.StatusOK, gin.H{"node": s.nodeID, "shards": infos})
	}
}

func (s *Server) handleKeys() gin.HandlerFunc {
	return func(c *gin.Context) {
		num, err := strconv.Atoi(c.Param("shard"))
		if err != nil {
			s.fail(c, invalid(fmt.Errorf("shard number: %v", err)))
			return
		}
		index := c.Param("index")
		var found *shard.Shard
		for _, sh := range s.shards.Shards() {
			if sh.ID.Index == index && sh.ID.Shard == num {
				found = sh
				break
			}
		}
		if found == nil {
			s.fail(c, &replication.ShardNotFoundError{ShardID: cluster.ShardID{Index: index, Shard: num}, NodeID: s.nodeID})
			return
		}
		keys, err := found.Store.List()
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
	}
}

// StateView is the JSON rendering of a cluster state.
type StateView struct {
	Blocks  cluster.Blocks     `json:"blocks"`
	Routing []RoutingView      `json:"routing"`
	Nodes   []cluster.NodeInfo `json:"nodes"`
	Version int64              `json:"version"`
}

// RoutingView is one shard's routing entry.
type RoutingView struct {
	cluster.ShardRouting
	ShardID cluster.ShardID `json:"shard_id"`
}

func (s *Server) handleState() gin.HandlerFunc {
	return func(c *gin.Context) {
		state := s.state.Current()
		view := StateView{
			Version: state.Version,
			Blocks:  state.Blocks,
			Nodes:   state.Nodes(),
			Routing: make([]RoutingView, 0),
		}
		for _, id := range state.ShardIDs() {
			rt, _ := state.Shard(id)
			view.Routing = append(view.Routing, RoutingView{ShardID: id, ShardRouting: rt})
		}
		c.JSON(http.StatusOK, view)
	}
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok", "node": s.nodeID, "state_version": s.state.Current().Version}
		if s.health != nil {
			body["peers"] = s.health.GetAllNodeHealth()
		}
		c.JSON(http.StatusOK, body)
	}
}
