package callback

import (
	"time"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/sandbox"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"
)

// statusRequest is the inbound sandbox-status callback body.
type statusRequest struct {
	SandboxName  string `json:"sandboxName"`
	APISecret    string `json:"apiSecret"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	BuildLog     string `json:"buildLog"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// statusToSandboxState maps the wire status vocabulary onto the sandbox
// lifecycle states the state machine understands. "failed" is reported as
// unhealthy rather than a distinct terminal state; the scheduler's
// process-unhealthy task then drives it to destroying.
var statusToSandboxState = map[string]types.SandboxStatus{
	"cloning":    types.SandboxCloning,
	"installing": types.SandboxInstalling,
	"starting":   types.SandboxStarting,
	"ready":      types.SandboxReady,
	"failed":     types.SandboxUnhealthy,
}

// Server is the fiber app backing the inbound status callback plus the
// health/metrics mux.
type Server struct {
	manager *controlplane.Manager
	logger  zerolog.Logger
	app     *fiber.App
}

// New builds the callback Server and registers its routes.
func New(mgr *controlplane.Manager) *Server {
	s := &Server{
		manager: mgr,
		logger:  log.WithComponent("callback"),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
	})
	app.Use(s.metricsMiddleware)
	app.Post("/sandbox-status", s.handleStatus)
	app.Get("/healthz", s.handleHealthz)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	s.app = app
	return s
}

// Listen starts serving on addr. It blocks until the listener stops.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) metricsMiddleware(c *fiber.Ctx) error {
	timer := metrics.NewTimer()
	err := c.Next()
	route := c.Route().Path
	timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	metrics.APIRequestsTotal.WithLabelValues(route, fiberStatus(c)).Inc()
	return err
}

func fiberStatus(c *fiber.Ctx) string {
	switch {
	case c.Response().StatusCode() >= 500:
		return "5xx"
	case c.Response().StatusCode() >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"leader":    s.manager.IsLeader(),
	})
}

// handleStatus implements the §6.1 contract: 200 with success:true on
// accepted or idempotent-ignored transitions, 200 with success:false on
// secret mismatch or unknown sandbox. Never 4xx — a misconfigured or
// slow-booting sandbox must not trip client-side retry storms.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(statusResponse{Success: false, Error: "malformed request body"})
	}

	target, ok := statusToSandboxState[req.Status]
	if !ok {
		return c.JSON(statusResponse{Success: false, Error: "unrecognized status: " + req.Status})
	}

	sb, err := s.manager.Store().GetSandboxByName(req.SandboxName)
	if err != nil || sb == nil {
		return c.JSON(statusResponse{Success: false, Error: "unknown sandbox"})
	}
	if req.APISecret != sb.APISecret {
		s.logger.Warn().Str("sandbox_name", req.SandboxName).Msg("sandbox status callback rejected: secret mismatch")
		return c.JSON(statusResponse{Success: false, Error: "secret mismatch"})
	}

	reason := req.ErrorMessage
	if reason == "" {
		reason = "host-callback"
	}

	result, err := sandbox.Transition(sb.Status, target, reason, true, time.Now().UTC())
	if err != nil {
		s.logger.Warn().Err(err).Str("sandbox_id", sb.ID).Str("reported_status", req.Status).Msg("rejected sandbox status callback")
		return c.JSON(statusResponse{Success: false, Error: err.Error()})
	}
	if result.Ignored {
		return c.JSON(statusResponse{Success: true})
	}

	from := sb.Status
	sandbox.Apply(sb, result)
	if req.BuildLog != "" {
		sb.LastError = "" // a successful phase transition clears any prior build-log error context
	}
	if target == types.SandboxUnhealthy {
		sb.LastError = req.ErrorMessage
	}
	if err := s.manager.UpdateSandbox(sb); err != nil {
		s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to commit sandbox status callback")
		return c.JSON(statusResponse{Success: false, Error: "failed to persist transition"})
	}

	metrics.SandboxTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	s.manager.PublishEvent(&types.Event{
		Type:      events.EventSandboxTransitioned,
		SandboxID: sb.ID,
		SessionID: sb.SessionID,
		Message:   string(target),
	})
	if target == types.SandboxDestroyed {
		s.manager.PublishEvent(&types.Event{
			Type:      events.EventSandboxDestroyed,
			SandboxID: sb.ID,
			SessionID: sb.SessionID,
		})
	}

	return c.JSON(statusResponse{Success: true})
}
