// Package hostgw is the typed HTTP client for the host daemon: the process
// that actually creates, tears down and execs into sandbox containers on a
// piece of hardware. The control plane never touches the sandbox runtime
// directly, only this gateway.
package hostgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to one host daemon instance.
type Client struct {
	baseURL      string
	sharedSecret string
	http         *retryablehttp.Client
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	SharedSecret string
	// RetryMax caps transient-error retries; the spec's backoff schedule
	// (2s/4s/8s) comes from RetryWaitMin/RetryWaitMax with RetryMax=3.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// NewClient creates a Client from cfg, filling in the backoff schedule used
// throughout the fleet (2s, 4s, 8s, capped at 3 attempts) when unset.
func NewClient(cfg Config) *Client {
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = 2 * time.Second
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = 8 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = nil
	rc.HTTPClient.Timeout = 30 * time.Second

	return &Client{
		baseURL:      cfg.BaseURL,
		sharedSecret: cfg.SharedSecret,
		http:         rc,
	}
}

// BaseURL returns the host daemon base URL this client talks to, so callers
// can point a separate liveness probe at the same host.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ErrorClass classifies a host daemon failure per the gateway's failure
// taxonomy, so callers can decide retry-vs-escalate without re-deriving it
// from the raw error.
type ErrorClass int

const (
	// ErrClassTransient is a 5xx response that the retryablehttp client
	// handed back without retrying (such as 501). Retried 5xx/connection-
	// reset/EOF/DNS failures that outlast the backoff schedule surface as
	// ErrClassFatal.
	ErrClassTransient ErrorClass = iota
	// ErrClassConflict is a 409 name collision that CreateSandbox could not
	// self-heal: it has already deleted the stale sandbox and retried once
	// after a short delay, or the lookup or delete for that failed.
	ErrClassConflict
	// ErrClassNotFound is a 404, meaningful only on setup: the host has no
	// record of the sandbox and the caller should fall back to a fresh
	// create rather than marking the sandbox unhealthy.
	ErrClassNotFound
	// ErrClassFatal is any other 4xx, or a transient failure that
	// exhausted its retry budget.
	ErrClassFatal
)

// Error wraps a host daemon failure with its classification.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hostgw: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classify(op string, statusCode int, err error) *Error {
	switch {
	case err != nil:
		return &Error{Class: ErrClassFatal, Op: op, Err: err}
	case statusCode == http.StatusConflict:
		return &Error{Class: ErrClassConflict, StatusCode: statusCode, Op: op, Err: fmt.Errorf("conflict")}
	case statusCode == http.StatusNotFound:
		return &Error{Class: ErrClassNotFound, StatusCode: statusCode, Op: op, Err: fmt.Errorf("not found")}
	case statusCode >= 500:
		return &Error{Class: ErrClassTransient, StatusCode: statusCode, Op: op, Err: fmt.Errorf("server error %d", statusCode)}
	default:
		return &Error{Class: ErrClassFatal, StatusCode: statusCode, Op: op, Err: fmt.Errorf("unexpected status %d", statusCode)}
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.sharedSecret)

	timer := metrics.NewTimer()
	resp, err := c.http.Do(req)
	if err != nil {
		timer.ObserveDurationVec(metrics.HostGatewayCallDuration, op, "transient")
		return 0, err
	}
	defer resp.Body.Close()
	timer.ObserveDurationVec(metrics.HostGatewayCallDuration, op, fmt.Sprintf("%d", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}

	return resp.StatusCode, nil
}

// CreateSandboxRequest is the body of POST /sandboxes.
type CreateSandboxRequest struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// CreateSandboxResponse is the response of POST /sandboxes.
type CreateSandboxResponse struct {
	SandboxID    string `json:"sandboxId"`
	Port         int    `json:"port"`
	PreviewURL   string `json:"previewUrl"`
	ExecURL      string `json:"execUrl"`
	LogURL       string `json:"logUrl"`
	TerminalURL  string `json:"terminalUrl"`
	APISecret    string `json:"apiSecret"`
}

// CreateSandbox creates a sandbox on the host. On a name conflict (409) it
// deletes the stale sandbox and retries once after a short delay, per the
// gateway's conflict self-healing rule.
func (c *Client) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*CreateSandboxResponse, error) {
	var out CreateSandboxResponse
	status, err := c.do(ctx, "create", http.MethodPost, "/sandboxes", req, &out)
	metrics.HostGatewayFailuresTotal.WithLabelValues("create", classLabel(status, err)).Add(boolToFloat(err != nil || status >= 300))

	if status == http.StatusConflict {
		log.Warn(fmt.Sprintf("hostgw: sandbox name %q conflicts with a stale host sandbox, self-healing", req.Name))
		staleID, ferr := c.findByName(ctx, req.Name)
		if ferr != nil {
			return nil, classify("create_sandbox", status, fmt.Errorf("conflict self-heal lookup failed: %w", ferr))
		}
		if staleID != "" {
			if derr := c.Destroy(ctx, staleID); derr != nil {
				return nil, classify("create_sandbox", status, fmt.Errorf("conflict self-heal delete failed: %w", derr))
			}
		}
		time.Sleep(2 * time.Second)
		status, err = c.do(ctx, "create", http.MethodPost, "/sandboxes", req, &out)
	}

	if err != nil || status < 200 || status >= 300 {
		return nil, classify("create_sandbox", status, err)
	}
	return &out, nil
}

// SetupRequest is the body of POST /sandboxes/{id}/setup. It drives the
// clone/install/start sequence on the host; progress is reported back
// asynchronously via the sandbox-status callback.
type SetupRequest struct {
	RepoSlug       string            `json:"repoSlug"`
	TargetBranch   string            `json:"targetBranch"`
	DefaultBranch  string            `json:"defaultBranch"`
	SourceToken    string            `json:"sourceToken"`
	CallbackURL    string            `json:"callbackUrl"`
	CallbackSecret string            `json:"callbackSecret"`
	ImageCacheHint string            `json:"imageCacheHint,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// Setup begins clone/install/start on an existing host sandbox.
func (c *Client) Setup(ctx context.Context, sandboxID string, req SetupRequest) error {
	status, err := c.do(ctx, "setup", http.MethodPost, "/sandboxes/"+sandboxID+"/setup", req, nil)
	metrics.HostGatewayFailuresTotal.WithLabelValues("setup", classLabel(status, err)).Add(boolToFloat(err != nil || status >= 300))
	if err != nil || status < 200 || status >= 300 {
		return classify("setup", status, err)
	}
	return nil
}

// ExecRequest is the body of POST /sandboxes/{id}/exec.
type ExecRequest struct {
	Command string `json:"command"`
	Timeout int64  `json:"timeoutSeconds"`
}

// ExecResult is the response of POST /sandboxes/{id}/exec.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Output   string `json:"output"`
}

// DefaultExecTimeout is used when the caller does not specify one.
const DefaultExecTimeout = 120 * time.Second

// Exec runs one shell command inside the sandbox and returns its result.
func (c *Client) Exec(ctx context.Context, sandboxID, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout == 0 {
		timeout = DefaultExecTimeout
	}
	var out ExecResult
	status, err := c.do(ctx, "exec", http.MethodPost, "/sandboxes/"+sandboxID+"/exec", ExecRequest{
		Command: command,
		Timeout: int64(timeout / time.Second),
	}, &out)
	metrics.HostGatewayFailuresTotal.WithLabelValues("exec", classLabel(status, err)).Add(boolToFloat(err != nil || status >= 300))
	if err != nil || status < 200 || status >= 300 {
		return nil, classify("exec", status, err)
	}
	return &out, nil
}

// HostSandbox is one entry of GET /sandboxes, used by the scheduler's
// reconcile task to cross-check host state against our records.
type HostSandbox struct {
	SandboxID string `json:"sandboxId"`
	Name      string `json:"name"`
}

// List enumerates the sandboxes the host daemon currently has live.
func (c *Client) List(ctx context.Context) ([]HostSandbox, error) {
	var out []HostSandbox
	status, err := c.do(ctx, "list", http.MethodGet, "/sandboxes", nil, &out)
	metrics.HostGatewayFailuresTotal.WithLabelValues("list", classLabel(status, err)).Add(boolToFloat(err != nil || status >= 300))
	if err != nil || status < 200 || status >= 300 {
		return nil, classify("list", status, err)
	}
	return out, nil
}

// findByName resolves a host sandbox ID from its name, used to recover the
// stale ID on a 409 name conflict. Returns "" if no match is found (the
// conflict already cleared itself between the failed create and this
// lookup, which the caller treats as nothing-to-delete).
func (c *Client) findByName(ctx context.Context, name string) (string, error) {
	sandboxes, err := c.List(ctx)
	if err != nil {
		return "", err
	}
	for _, sb := range sandboxes {
		if sb.Name == name {
			return sb.SandboxID, nil
		}
	}
	return "", nil
}

// Destroy tears down a host sandbox. A 404 is treated as success: the
// sandbox is already gone, which is the caller's goal either way.
func (c *Client) Destroy(ctx context.Context, sandboxID string) error {
	status, err := c.do(ctx, "destroy", http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	metrics.HostGatewayFailuresTotal.WithLabelValues("destroy", classLabel(status, err)).Add(boolToFloat(err != nil || status >= 300))
	if err != nil || status < 200 || status >= 300 {
		return classify("destroy", status, err)
	}
	return nil
}

func classLabel(status int, err error) string {
	if err != nil {
		return "transient"
	}
	switch {
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "transient"
	case status >= 400:
		return "fatal"
	default:
		return "ok"
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
