package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NodeInfo identifies a node hosting shard copies and the address its
// replication endpoints are reachable on.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// HTTPError is returned by PostJSON and GetJSON when the remote side answers
// with a non-2xx status. Body holds the raw response so callers can decode
// structured error envelopes.
type HTTPError struct {
	URL    string
	Body   []byte
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Status)
}

// Requests are bounded by their context; the client timeout is only a
// backstop for callers without a deadline.
var httpClient = &http.Client{Timeout: 90 * time.Second}

// PostJSON sends body as JSON to url and decodes the response into out when
// out is non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &HTTPError{URL: req.URL.String(), Status: resp.StatusCode, Body: body}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
