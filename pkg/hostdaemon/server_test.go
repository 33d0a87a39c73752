package hostdaemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	createErr error
	execFn    func(sandboxID, command string) (*runtime.ExecResult, error)
	deleteErr error
	created   []runtime.Spec
}

func (f *fakeRuntime) CreateAndStart(ctx context.Context, spec runtime.Spec) error {
	f.created = append(f.created, spec)
	return f.createErr
}

func (f *fakeRuntime) Exec(ctx context.Context, sandboxID, command string, timeout time.Duration) (*runtime.ExecResult, error) {
	if f.execFn != nil {
		return f.execFn(sandboxID, command)
	}
	return &runtime.ExecResult{ExitCode: 0}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, sandboxID string, timeout time.Duration) error { return nil }

func (f *fakeRuntime) Delete(ctx context.Context, sandboxID string) error { return f.deleteErr }

func (f *fakeRuntime) List(ctx context.Context) ([]string, error) { return nil, nil }

func newTestServer(rt Runtime) *Server {
	return New(Config{Runtime: rt, SharedSecret: "", DefaultImage: "sandboxd/base:latest"})
}

func httpReq(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func httpPost(t *testing.T, s *Server, path, body string) *http.Request {
	t.Helper()
	return httpReq(t, "POST", path, body)
}

func TestHandleCreateRejectsMissingName(t *testing.T) {
	s := newTestServer(&fakeRuntime{})
	req := httpPost(t, s, "/sandboxes", `{"image":"foo"}`)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHandleCreateRejectsDuplicateName(t *testing.T) {
	rt := &fakeRuntime{}
	s := newTestServer(rt)

	req1 := httpPost(t, s, "/sandboxes", `{"name":"sbx-1","image":"foo"}`)
	resp1, err := s.app.Test(req1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp1.StatusCode)

	req2 := httpPost(t, s, "/sandboxes", `{"name":"sbx-1","image":"foo"}`)
	resp2, err := s.app.Test(req2)
	require.NoError(t, err)
	assert.Equal(t, 409, resp2.StatusCode)
}

func TestHandleDestroyIsIdempotentOnUnknownSandbox(t *testing.T) {
	s := newTestServer(&fakeRuntime{})
	req := httpReq(t, "DELETE", "/sandboxes/does-not-exist", "")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestCloneCommandFallsBackToDefaultBranchCheckout(t *testing.T) {
	cmd := cloneCommand(setupRequest{
		RepoSlug:      "acme/widgets",
		TargetBranch:  "feature/x",
		DefaultBranch: "main",
		SourceToken:   "tok",
	})
	assert.Contains(t, cmd, "feature/x")
	assert.Contains(t, cmd, "main")
	assert.Contains(t, cmd, "acme/widgets")
}
