package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/replication"
)

// Replication endpoints served by Server and called by HTTP.
const (
	PrimaryPath = "/_replication/primary"
	ReplicaPath = "/_replication/replica"
)

// HTTP sends replication requests as JSON over HTTP to the address the
// cluster state lists for the target node. Remote errors are decoded back
// into their typed form; failing to reach a node at all is reported as
// replication.ErrNodeUnreachable.
type HTTP struct {
	state  *cluster.Service
	logger zerolog.Logger
}

// NewHTTP returns a transport resolving node addresses from state.
func NewHTTP(state *cluster.Service) *HTTP {
	return &HTTP{state: state, logger: zerolog.Nop()}
}

// SetLogger sets the logger for failed requests.
func (t *HTTP) SetLogger(logger zerolog.Logger) {
	t.logger = logger
}

// SendPrimary posts req to nodeID's primary endpoint.
func (t *HTTP) SendPrimary(ctx context.Context, nodeID string, req *replication.PrimaryRequest) (*replication.Response, error) {
	var resp replication.Response
	if err := t.post(ctx, nodeID, PrimaryPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendReplica posts req to nodeID's replica endpoint.
func (t *HTTP) SendReplica(ctx context.Context, nodeID string, req *replication.ReplicaRequest) (*replication.ReplicaResponse, error) {
	var resp replication.ReplicaResponse
	if err := t.post(ctx, nodeID, ReplicaPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTP) post(ctx context.Context, nodeID, path string, body, out any) error {
	node, ok := t.state.Current().Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s is not in the cluster state", replication.ErrNodeUnreachable, nodeID)
	}
	url := BaseURL(node.Addr) + path

	err := cluster.PostJSON(ctx, url, body, out)
	if err == nil {
		return nil
	}
	var httpErr *cluster.HTTPError
	if errors.As(err, &httpErr) {
		return DecodeError(httpErr.Status, httpErr.Body)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.logger.Debug().Err(err).Str("peer", nodeID).Str("url", url).Msg("replication request failed")
	return fmt.Errorf("%w: %s: %v", replication.ErrNodeUnreachable, nodeID, err)
}

// BaseURL turns a node address ("host:port" or a URL) into a URL without a
// trailing slash.
func BaseURL(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}
