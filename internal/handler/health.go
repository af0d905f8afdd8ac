package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"geocache/internal/config"
)

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

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and what the cache serves.
func (h *HealthHandler) Status(c echo.Context) error {
	tilesets := make([]string, 0, len(h.cfg.Tilesets))
	for _, ts := range h.cfg.Tilesets {
		tilesets = append(tilesets, ts.Name)
	}
	proxies := make([]string, 0, len(h.cfg.Proxies))
	for _, p := range h.cfg.Proxies {
		proxies = append(proxies, p.Name)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"getmap_strategy": h.cfg.Service.GetMapStrategy,
		"reporting":       h.cfg.Service.Reporting,
		"tilesets":        tilesets,
		"proxies":         proxies,
	})
}
