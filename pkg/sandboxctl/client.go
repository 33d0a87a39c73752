// Package sandboxctl is a thin typed HTTP client over the operator-facing
// admin API (pkg/api), used by cmd/sandboxctl. It replaces the teacher's
// mTLS gRPC pkg/client: this system's admin surface is plain bearer-token
// REST (pkg/api), not a certificate-issuing gRPC service, so there is
// nothing here to authenticate beyond a static token.
package sandboxctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/sandboxd/pkg/pool"
	"github.com/cuemby/sandboxd/pkg/types"
)

// Client talks to one control plane node's admin API.
type Client struct {
	baseURL     string
	adminSecret string
	http        *http.Client
}

// NewClient creates a Client targeting baseURL (e.g. "http://localhost:8082").
func NewClient(baseURL, adminSecret string) *Client {
	return &Client{
		baseURL:     baseURL,
		adminSecret: adminSecret,
		http:        &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.adminSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin api %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListSandboxes returns every sandbox the control plane tracks.
func (c *Client) ListSandboxes(ctx context.Context) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := c.get(ctx, "/v1/sandboxes", &out)
	return out, err
}

// GetSandbox fetches one sandbox by ID.
func (c *Client) GetSandbox(ctx context.Context, id string) (*types.Sandbox, error) {
	var out types.Sandbox
	if err := c.get(ctx, "/v1/sandboxes/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns every session the control plane tracks.
func (c *Client) ListSessions(ctx context.Context) ([]*types.Session, error) {
	var out []*types.Session
	err := c.get(ctx, "/v1/sessions", &out)
	return out, err
}

// GetSession fetches one session by ID.
func (c *Client) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var out types.Session
	if err := c.get(ctx, "/v1/sessions/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PoolStats fetches the pool manager's current entry counts by status.
func (c *Client) PoolStats(ctx context.Context) (*pool.Stats, error) {
	var out pool.Stats
	if err := c.get(ctx, "/v1/pool/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerTask forces the named scheduler task to run immediately.
func (c *Client) TriggerTask(ctx context.Context, name string) error {
	return c.post(ctx, "/v1/scheduler/"+name+"/trigger", nil)
}

// ClusterStatus reports this node's Raft role and peers.
type ClusterStatus struct {
	NodeID     string                 `json:"node_id"`
	IsLeader   bool                   `json:"is_leader"`
	LeaderAddr string                 `json:"leader_addr"`
	Raft       map[string]interface{} `json:"raft"`
}

// ClusterStatus fetches the node's Raft status.
func (c *Client) ClusterStatus(ctx context.Context) (*ClusterStatus, error) {
	var out ClusterStatus
	if err := c.get(ctx, "/v1/cluster/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
