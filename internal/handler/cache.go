package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"geocache/internal/config"
	"geocache/internal/model"
	"geocache/internal/ows"
	"geocache/internal/tilecache"
)

// TileInvalidator removes tiles from the cache.
type TileInvalidator interface {
	Invalidate(ctx context.Context, tile *model.Tile) (bool, error)
}

// CacheHandler serves cache maintenance requests on TMS tile URLs.
type CacheHandler struct {
	tms     Protocol
	cache   TileInvalidator
	enabled bool
	logger  *slog.Logger
}

// NewCacheHandler creates a CacheHandler.
func NewCacheHandler(tms *ows.TMS, fetcher *tilecache.Fetcher, cfg *config.Config, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{
		tms:     tms,
		cache:   fetcher,
		enabled: cfg.Cache.AllowInvalidation,
		logger:  logger.With("component", "cache_handler"),
	}
}

// Enabled reports whether invalidation routes should be registered.
func (h *CacheHandler) Enabled() bool { return h.enabled }

// Invalidate drops every tile a TMS tile URL names. It answers 204 when at
// least one tile was cached and 404 otherwise.
func (h *CacheHandler) Invalidate(c echo.Context) error {
	req := c.Request()
	parsed, err := h.tms.Parse(c.Param("*"), req.URL.Query())
	if err != nil {
		return echo.NewHTTPError(model.CodeOf(err), err.Error())
	}
	tr, ok := parsed.(*model.GetTileRequest)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "not a tile url")
	}

	removed := 0
	for _, tile := range tr.Tiles {
		ok, err := h.cache.Invalidate(req.Context(), tile)
		if err != nil {
			h.logger.Error("invalidate failed", "path", req.URL.Path, "err", err)
			return echo.NewHTTPError(model.CodeOf(err), err.Error())
		}
		if ok {
			removed++
		}
	}
	if removed == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "tile not cached")
	}
	return c.NoContent(http.StatusNoContent)
}
