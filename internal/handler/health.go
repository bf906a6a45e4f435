package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"sshtunnel-proxy-go/internal/config"
)

// Greeting is the liveness text served at the root path.
const Greeting = "Hello, I'm Proxy server. I can hear you!"

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Root answers GET / without touching the SSH host.
func (h *HealthHandler) Root(c echo.Context) error {
	return c.String(http.StatusOK, Greeting)
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"ssh_host":     h.cfg.SSH.Host,
		"backend_port": strconv.Itoa(h.cfg.Backend.Port),
	})
}
