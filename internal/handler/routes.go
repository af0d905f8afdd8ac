package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, ows *OWSHandler, proxy *ProxyHandler, health *HealthHandler, cache *CacheHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/geocache/status", health.Status)

	e.GET("/tms", ows.TMS)
	e.GET("/tms/*", ows.TMS)
	e.GET("/wms", ows.WMS)
	if cache.Enabled() {
		e.DELETE("/tms/*", cache.Invalidate)
	}

	e.GET("/proxy/:name", proxy.Handle)
	e.GET("/proxy/:name/*", proxy.Handle)
}
