package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"geocache/internal/config"
	"geocache/internal/model"
	"geocache/internal/ows"
	"geocache/internal/service"
)

// Protocol parses requests of one OGC service and builds its capabilities.
type Protocol interface {
	Name() string
	Parse(pathInfo string, query url.Values) (ows.Request, error)
	service.CapabilitiesBuilder
}

// OWSHandler dispatches parsed TMS and WMS requests to the core pipelines.
type OWSHandler struct {
	core      *service.Core
	tms       Protocol
	wms       Protocol
	publicURL string
	logger    *slog.Logger
}

// NewOWSHandler creates an OWSHandler.
func NewOWSHandler(core *service.Core, tms *ows.TMS, wms *ows.WMS, cfg *config.Config, logger *slog.Logger) *OWSHandler {
	return &OWSHandler{
		core:      core,
		tms:       tms,
		wms:       wms,
		publicURL: cfg.Service.PublicURL,
		logger:    logger.With("component", "ows_handler"),
	}
}

// TMS serves /tms and everything below it.
func (h *OWSHandler) TMS(c echo.Context) error {
	return h.serve(c, h.tms, c.Param("*"))
}

// WMS serves /wms.
func (h *OWSHandler) WMS(c echo.Context) error {
	return h.serve(c, h.wms, "")
}

func (h *OWSHandler) serve(c echo.Context, p Protocol, pathInfo string) error {
	req := c.Request()

	parsed, err := p.Parse(pathInfo, req.URL.Query())
	var resp *model.Response
	if err == nil {
		resp, err = h.dispatch(req.Context(), p, parsed, h.baseURL(c), pathInfo)
	}
	if err != nil {
		h.logger.Debug("request failed",
			"service", p.Name(),
			"path", req.URL.Path,
			"code", model.CodeOf(err),
		)
		resp = h.core.RespondToError(err)
	}
	return writeResponse(c, resp)
}

func (h *OWSHandler) dispatch(ctx context.Context, p Protocol, parsed ows.Request, baseURL, pathInfo string) (*model.Response, error) {
	switch r := parsed.(type) {
	case *model.GetTileRequest:
		return h.core.GetTile(ctx, r)
	case *model.GetMapRequest:
		return h.core.GetMap(ctx, r)
	case *model.FeatureInfoRequest:
		return h.core.QueryFeatureInfo(ctx, r)
	case *model.CapabilitiesRequest:
		return h.core.GetCapabilities(ctx, p, r, baseURL, pathInfo)
	}
	return nil, model.Errorf(http.StatusInternalServerError, "BUG: %s produced unhandled request %T", p.Name(), parsed)
}

// baseURL is the configured public URL, or the one the client used.
func (h *OWSHandler) baseURL(c echo.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	return c.Scheme() + "://" + c.Request().Host + "/"
}
