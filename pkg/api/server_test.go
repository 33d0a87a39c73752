package api

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(s *Server) *fiber.App {
	app := fiber.New()
	app.Use(s.authMiddleware)
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/v1/sandboxes", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestAuthMiddlewareAllowsAllWhenSecretEmpty(t *testing.T) {
	s := &Server{adminSecret: ""}
	app := newTestApp(s)

	req := httptest.NewRequest("GET", "/v1/sandboxes", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAuthMiddlewareExemptsHealthAndMetrics(t *testing.T) {
	s := &Server{adminSecret: "topsecret"}
	app := newTestApp(s)

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/metrics", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAuthMiddlewareRejectsMissingOrWrongToken(t *testing.T) {
	s := &Server{adminSecret: "topsecret"}
	app := newTestApp(s)

	req := httptest.NewRequest("GET", "/v1/sandboxes", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest("GET", "/v1/sandboxes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAuthMiddlewareAcceptsMatchingToken(t *testing.T) {
	s := &Server{adminSecret: "topsecret"}
	app := newTestApp(s)

	req := httptest.NewRequest("GET", "/v1/sandboxes", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
