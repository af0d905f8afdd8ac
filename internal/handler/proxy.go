package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"geocache/internal/model"
	"geocache/internal/service"
)

// EndpointResolver looks up a configured pass-through endpoint by name.
type EndpointResolver interface {
	Proxy(name string) (*model.Endpoint, error)
}

// ProxyHandler relays /proxy/<name>/<path> to the named upstream endpoint.
type ProxyHandler struct {
	core      *service.Core
	endpoints EndpointResolver
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(core *service.Core, endpoints EndpointResolver, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		core:      core,
		endpoints: endpoints,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and relays the upstream reply as is.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	ep, err := h.endpoints.Proxy(c.Param("name"))
	var resp *model.Response
	if err == nil {
		resp, err = h.core.Proxy(req.Context(), &model.ProxyRequest{
			Endpoint: ep,
			PathInfo: c.Param("*"),
			Params:   req.URL.Query(),
		})
	}
	if err != nil {
		h.logger.Error("proxy error",
			"err", err,
			"path", req.URL.Path,
		)
		resp = h.core.RespondToError(err)
	}
	return writeResponse(c, resp)
}
