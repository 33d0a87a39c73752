package hostdaemon

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"
)

// Runtime is the subset of *runtime.ContainerdRuntime this server drives.
// Narrowed to an interface so tests can substitute a fake.
type Runtime interface {
	CreateAndStart(ctx context.Context, spec runtime.Spec) error
	Exec(ctx context.Context, sandboxID, command string, timeout time.Duration) (*runtime.ExecResult, error)
	Stop(ctx context.Context, sandboxID string, timeout time.Duration) error
	Delete(ctx context.Context, sandboxID string) error
	List(ctx context.Context) ([]string, error)
}

// Config configures a Server.
type Config struct {
	Runtime      Runtime
	SharedSecret string
	DefaultImage string
	BasePort     int
}

// record is what the daemon remembers about one sandbox container between
// creation and destruction; the control plane is the durable source of
// truth, this is just enough to serve the contract.
type record struct {
	name      string
	port      int
	apiSecret string
}

// Server is the fiber app implementing the §6.2 host gateway contract.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	app    *fiber.App

	mu      sync.Mutex
	records map[string]*record // sandboxID -> record
	nextPort int32
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.BasePort == 0 {
		cfg.BasePort = 20000
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "sandboxd/base:latest"
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.WithComponent("hostdaemon"),
		records:  make(map[string]*record),
		nextPort: int32(cfg.BasePort),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          130 * time.Second, // execs can run up to their own timeout
		IdleTimeout:           60 * time.Second,
	})
	app.Use(s.metricsMiddleware)
	app.Get("/healthz", s.handleHealthz)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	authed := app.Group("/", s.authMiddleware)
	authed.Post("/sandboxes", s.handleCreate)
	authed.Post("/sandboxes/:id/setup", s.handleSetup)
	authed.Post("/sandboxes/:id/exec", s.handleExec)
	authed.Get("/sandboxes", s.handleList)
	authed.Delete("/sandboxes/:id", s.handleDestroy)

	s.app = app
	return s
}

// Listen starts serving on addr. It blocks until the listener stops.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) metricsMiddleware(c *fiber.Ctx) error {
	timer := metrics.NewTimer()
	err := c.Next()
	route := c.Route().Path
	timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	metrics.APIRequestsTotal.WithLabelValues(route, fiberStatusClass(c)).Inc()
	return err
}

func fiberStatusClass(c *fiber.Ctx) string {
	switch {
	case c.Response().StatusCode() >= 500:
		return "5xx"
	case c.Response().StatusCode() >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

func (s *Server) authMiddleware(c *fiber.Ctx) error {
	if s.cfg.SharedSecret == "" {
		return c.Next()
	}
	if c.Get("Authorization") != "Bearer "+s.cfg.SharedSecret {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy", "timestamp": time.Now().UTC()})
}

type createRequest struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

type createResponse struct {
	SandboxID   string `json:"sandboxId"`
	Port        int    `json:"port"`
	PreviewURL  string `json:"previewUrl"`
	ExecURL     string `json:"execUrl"`
	LogURL      string `json:"logUrl"`
	TerminalURL string `json:"terminalUrl"`
	APISecret   string `json:"apiSecret"`
}

func (s *Server) handleCreate(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}

	image := req.Image
	if image == "" {
		image = s.cfg.DefaultImage
	}

	sandboxID := req.Name
	s.mu.Lock()
	if _, exists := s.records[sandboxID]; exists {
		s.mu.Unlock()
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "sandbox already exists"})
	}
	s.mu.Unlock()

	apiSecret, err := randomSecret()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "generate secret: " + err.Error()})
	}
	port := int(atomic.AddInt32(&s.nextPort, 1))

	if err := s.cfg.Runtime.CreateAndStart(c.Context(), runtime.Spec{
		ID:    sandboxID,
		Image: image,
		Env:   []string{fmt.Sprintf("SANDBOX_PORT=%d", port)},
	}); err != nil {
		s.logger.Error().Err(err).Str("sandbox_id", sandboxID).Msg("failed to create sandbox container")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	s.mu.Lock()
	s.records[sandboxID] = &record{name: req.Name, port: port, apiSecret: apiSecret}
	s.mu.Unlock()

	base := fmt.Sprintf("http://localhost:%d", port)
	return c.JSON(createResponse{
		SandboxID:   sandboxID,
		Port:        port,
		PreviewURL:  base,
		ExecURL:     base + "/exec",
		LogURL:      base + "/logs",
		TerminalURL: base + "/terminal",
		APISecret:   apiSecret,
	})
}

type setupRequest struct {
	RepoSlug       string            `json:"repoSlug"`
	TargetBranch   string            `json:"targetBranch"`
	DefaultBranch  string            `json:"defaultBranch"`
	SourceToken    string            `json:"sourceToken"`
	CallbackURL    string            `json:"callbackUrl"`
	CallbackSecret string            `json:"callbackSecret"`
	ImageCacheHint string            `json:"imageCacheHint,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

func (s *Server) handleSetup(c *fiber.Ctx) error {
	sandboxID := c.Params("id")
	var req setupRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed setup request"})
	}

	s.mu.Lock()
	rec, ok := s.records[sandboxID]
	s.mu.Unlock()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown sandbox"})
	}

	go s.runSetup(sandboxID, rec.name, req)
	return c.SendStatus(fiber.StatusAccepted)
}

// runSetup drives the clone/install/start sequence inside the sandbox
// container, reporting each phase back to the control plane's callback
// endpoint. It runs detached from the request that triggered it.
func (s *Server) runSetup(sandboxID, sandboxName string, req setupRequest) {
	ctx := context.Background()
	logger := s.logger.With().Str("sandbox_id", sandboxID).Logger()

	s.reportStatus(req, sandboxName, "cloning", "", "")
	cloneOut, err := s.cfg.Runtime.Exec(ctx, sandboxID, cloneCommand(req), 120*time.Second)
	if err != nil || cloneOut.ExitCode != 0 {
		logger.Warn().Err(err).Msg("sandbox clone failed")
		s.reportStatus(req, sandboxName, "failed", cloneFailureMessage(err, cloneOut), combinedOutput(cloneOut))
		return
	}

	s.reportStatus(req, sandboxName, "installing", "", combinedOutput(cloneOut))
	installOut, err := s.cfg.Runtime.Exec(ctx, sandboxID, installCommand(), 300*time.Second)
	if err != nil || installOut.ExitCode != 0 {
		logger.Warn().Err(err).Msg("sandbox dependency install failed")
		s.reportStatus(req, sandboxName, "failed", cloneFailureMessage(err, installOut), combinedOutput(installOut))
		return
	}

	s.reportStatus(req, sandboxName, "starting", "", combinedOutput(installOut))
	s.reportStatus(req, sandboxName, "ready", "", "")
}

func cloneCommand(req setupRequest) string {
	url := fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", req.SourceToken, req.RepoSlug)
	branch := req.TargetBranch
	if branch == "" {
		branch = req.DefaultBranch
	}
	return fmt.Sprintf(
		"cd /workspace 2>/dev/null || mkdir -p /workspace && cd /workspace && "+
			"git clone --branch %s %s . 2>&1 || (git clone %s . && git checkout -b %s %s)",
		shellQuote(branch), shellQuote(url), shellQuote(url), shellQuote(branch), shellQuote(req.DefaultBranch),
	)
}

// installCommand picks a dependency-install step by probing for the usual
// manifest files; a repo with none of these is assumed to need nothing.
func installCommand() string {
	return "cd /workspace && " +
		"{ [ -f package-lock.json ] && npm ci; } || { [ -f package.json ] && npm install; } || " +
		"{ [ -f go.mod ] && go mod download; } || " +
		"{ [ -f requirements.txt ] && pip install -r requirements.txt; } || true"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func cloneFailureMessage(err error, res *runtime.ExecResult) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}

func combinedOutput(res *runtime.ExecResult) string {
	if res == nil {
		return ""
	}
	if res.Stderr == "" {
		return res.Stdout
	}
	return res.Stdout + "\n" + res.Stderr
}

// reportStatus posts the current setup phase to the control plane's
// sandbox-status callback, matching the wire shape pkg/callback expects.
func (s *Server) reportStatus(req setupRequest, sandboxName, status, errorMessage, buildLog string) {
	if req.CallbackURL == "" {
		return
	}
	body, err := json.Marshal(map[string]string{
		"sandboxName":  sandboxName,
		"apiSecret":    req.CallbackSecret,
		"status":       status,
		"errorMessage": errorMessage,
		"buildLog":     buildLog,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal status callback body")
		return
	}

	httpReq, err := http.NewRequest(http.MethodPost, req.CallbackURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build status callback request")
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		s.logger.Warn().Err(err).Str("status", status).Msg("status callback delivery failed")
		return
	}
	defer resp.Body.Close()
}

type execRequest struct {
	Command string `json:"command"`
	Timeout int64  `json:"timeoutSeconds"`
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Output   string `json:"output"`
}

func (s *Server) handleExec(c *fiber.Ctx) error {
	sandboxID := c.Params("id")
	var req execRequest
	if err := c.BodyParser(&req); err != nil || req.Command == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "command is required"})
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	result, err := s.cfg.Runtime.Exec(c.Context(), sandboxID, req.Command, timeout)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(execResponse{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Output:   combinedOutput(result),
	})
}

type listEntry struct {
	SandboxID string `json:"sandboxId"`
	Name      string `json:"name"`
}

func (s *Server) handleList(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]listEntry, 0, len(s.records))
	for id, rec := range s.records {
		out = append(out, listEntry{SandboxID: id, Name: rec.name})
	}
	return c.JSON(out)
}

func (s *Server) handleDestroy(c *fiber.Ctx) error {
	sandboxID := c.Params("id")

	s.mu.Lock()
	_, ok := s.records[sandboxID]
	s.mu.Unlock()
	if !ok {
		return c.SendStatus(fiber.StatusNotFound)
	}

	if err := s.cfg.Runtime.Delete(c.Context(), sandboxID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	s.mu.Lock()
	delete(s.records, sandboxID)
	s.mu.Unlock()

	return c.SendStatus(fiber.StatusNoContent)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
