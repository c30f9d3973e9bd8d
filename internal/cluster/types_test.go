package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNodeInfo tests the NodeInfo JSON field names
func TestNodeInfo(t *testing.T) {
	node := NodeInfo{ID: "node-1", Addr: "http://localhost:9201"}

	data, err := json.Marshal(node)
	if err != nil {
		t.Fatalf("Failed to marshal NodeInfo: %v", err)
	}

	var jsonMap map[string]interface{}
	if err := json.Unmarshal(data, &jsonMap); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
	if jsonMap["id"] != "node-1" {
		t.Errorf("Expected id 'node-1', got %v", jsonMap["id"])
	}
	if jsonMap["addr"] != "http://localhost:9201" {
		t.Errorf("Expected addr 'http://localhost:9201', got %v", jsonMap["addr"])
	}
}

// TestPostJSON tests posting JSON and decoding the reply
func TestPostJSON(t *testing.T) {
	t.Run("successful round trip", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("Expected POST, got %s", r.Method)
			}
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected application/json, got %s", ct)
			}
			var in map[string]string
			json.NewDecoder(r.Body).Decode(&in)
			json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
		}))
		defer server.Close()

		var out map[string]string
		err := PostJSON(context.Background(), server.URL, map[string]string{"msg": "hi"}, &out)
		if err != nil {
			t.Fatalf("PostJSON failed: %v", err)
		}
		if out["echo"] != "hi" {
			t.Errorf("Expected echo 'hi', got %q", out["echo"])
		}
	})

	t.Run("nil output skips decoding", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		if err := PostJSON(context.Background(), server.URL, struct{}{}, nil); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	})

	t.Run("error status carries body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":{"kind":"blocked"}}`))
		}))
		defer server.Close()

		err := PostJSON(context.Background(), server.URL, struct{}{}, nil)
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("Expected *HTTPError, got %T (%v)", err, err)
		}
		if httpErr.Status != http.StatusConflict {
			t.Errorf("Expected status 409, got %d", httpErr.Status)
		}
		if string(httpErr.Body) != `{"error":{"kind":"blocked"}}` {
			t.Errorf("Unexpected body %q", httpErr.Body)
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := PostJSON(ctx, server.URL, struct{}{}, nil); err == nil {
			t.Error("Expected error for expired context")
		}
	})
}

// TestGetJSON tests fetching and decoding JSON
func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(NodeInfo{ID: "node-2", Addr: "http://n2"})
	}))
	defer server.Close()

	var node NodeInfo
	if err := GetJSON(context.Background(), server.URL+"/node", &node); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if node.ID != "node-2" {
		t.Errorf("Expected node-2, got %s", node.ID)
	}

	err := GetJSON(context.Background(), server.URL+"/missing", &node)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusNotFound {
		t.Errorf("Expected 404 HTTPError, got %v", err)
	}
}

// TestPostJSONInvalidURL tests request construction failures
func TestPostJSONInvalidURL(t *testing.T) {
	if err := PostJSON(context.Background(), "://bad", struct{}{}, nil); err == nil {
		t.Error("Expected error for invalid URL")
	}
}
