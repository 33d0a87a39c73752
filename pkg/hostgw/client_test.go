package hostgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, SharedSecret: "shared-secret", RetryMax: 0})
}

func TestCreateSandboxSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer shared-secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CreateSandboxResponse{SandboxID: "sb-1", Port: 8080})
	})

	out, err := c.CreateSandbox(context.Background(), CreateSandboxRequest{Name: "sb-1"})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", out.SandboxID)
}

func TestCreateSandboxConflictSelfHeals(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes" && calls == 0:
			calls++
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodGet && r.URL.Path == "/sandboxes":
			_ = json.NewEncoder(w).Encode([]HostSandbox{{SandboxID: "stale-1", Name: "sb-1"}})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(CreateSandboxResponse{SandboxID: "sb-1-new"})
		}
	})

	out, err := c.CreateSandbox(context.Background(), CreateSandboxRequest{Name: "sb-1"})
	require.NoError(t, err)
	assert.Equal(t, "sb-1-new", out.SandboxID)
}

func TestSetupNotFoundClassification(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.Setup(context.Background(), "sb-1", SetupRequest{})
	require.Error(t, err)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ErrClassNotFound, gwErr.Class)
}

func TestDestroyNotFoundIsSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.Destroy(context.Background(), "sb-1")
	assert.NoError(t, err)
}

func TestExecReturnsResult(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ExecRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "echo hi", req.Command)
		_ = json.NewEncoder(w).Encode(ExecResult{ExitCode: 0, Stdout: "hi\n"})
	})

	out, err := c.Exec(context.Background(), "sb-1", "echo hi", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hi\n", out.Stdout)
}

func TestOtherFourXXIsFatal(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.List(context.Background())
	require.Error(t, err)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ErrClassFatal, gwErr.Class)
}
