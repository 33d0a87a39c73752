package api

import (
	"context"
	"time"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/pool"
	"github.com/cuemby/sandboxd/pkg/scheduler"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"
)

// sandboxSetup drives a sandbox through the host daemon's setup call.
// Implemented by pkg/sandboxsetup.Coordinator.
type sandboxSetup interface {
	Run(ctx context.Context, sb *types.Sandbox) error
}

// Server is the admin REST API: sandbox/session/pool visibility, the
// request-a-sandbox entry point, and a manual scheduler-task trigger,
// guarded by a static bearer token.
type Server struct {
	manager     *controlplane.Manager
	pool        *pool.Manager
	scheduler   *scheduler.Runner
	setup       sandboxSetup
	adminSecret string
	logger      zerolog.Logger
	app         *fiber.App
}

// New builds the admin Server and registers its routes. adminSecret is
// compared against the request's Authorization: Bearer header; an empty
// adminSecret disables auth, for local development only.
func New(mgr *controlplane.Manager, poolMgr *pool.Manager, sched *scheduler.Runner, setup sandboxSetup, adminSecret string) *Server {
	s := &Server{
		manager:     mgr,
		pool:        poolMgr,
		scheduler:   sched,
		setup:       setup,
		adminSecret: adminSecret,
		logger:      log.WithComponent("api"),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
	})
	app.Use(s.metricsMiddleware)
	app.Use(s.authMiddleware)

	app.Get("/healthz", s.handleHealthz)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Get("/v1/sandboxes", s.listSandboxes)
	app.Get("/v1/sandboxes/:id", s.getSandbox)
	app.Get("/v1/sessions", s.listSessions)
	app.Get("/v1/sessions/:id", s.getSession)
	app.Post("/v1/sessions", s.createSession)
	app.Get("/v1/pool/stats", s.poolStats)
	app.Post("/v1/scheduler/:task/trigger", s.triggerTask)
	app.Get("/v1/cluster/status", s.clusterStatus)

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

// authMiddleware requires a matching bearer token on every route except
// /healthz and /metrics, which operators and scrapers need unauthenticated.
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	if s.adminSecret == "" {
		return c.Next()
	}
	switch c.Path() {
	case "/healthz", "/metrics":
		return c.Next()
	}
	want := "Bearer " + s.adminSecret
	if c.Get("Authorization") != want {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"leader":    s.manager.IsLeader(),
	})
}

func (s *Server) listSandboxes(c *fiber.Ctx) error {
	sandboxes, err := s.manager.Store().ListSandboxes()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(sandboxes)
}

func (s *Server) getSandbox(c *fiber.Ctx) error {
	sb, err := s.manager.Store().GetSandbox(c.Params("id"))
	if err != nil || sb == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "sandbox not found"})
	}
	return c.JSON(sb)
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	sessions, err := s.manager.Store().ListSessions()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(sessions)
}

func (s *Server) getSession(c *fiber.Ctx) error {
	sess, err := s.manager.Store().GetSession(c.Params("id"))
	if err != nil || sess == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	return c.JSON(sess)
}

func (s *Server) poolStats(c *fiber.Ctx) error {
	stats, err := s.pool.Stats()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(stats)
}

// triggerTask forces one named scheduler task to run immediately, bypassing
// its regular tick interval — useful for an operator who just fixed a stuck
// host daemon and doesn't want to wait out the next cycle.
func (s *Server) triggerTask(c *fiber.Ctx) error {
	name := c.Params("task")
	if err := s.scheduler.TriggerNow(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"triggered": name})
}

func (s *Server) clusterStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"node_id":     s.manager.NodeID(),
		"is_leader":   s.manager.IsLeader(),
		"leader_addr": s.manager.LeaderAddr(),
		"raft":        s.manager.GetRaftStats(),
	})
}
