package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ResponseHeaders returns an Echo middleware that strips hop-by-hop headers
// from inbound requests and sets the headers every map response carries.
// Tiles are fetched cross-origin by browser map clients, so CORS is open.
func ResponseHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Handlers write their own responses, so these must be set first.
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlExposeHeaders, "X-Geocache-Error")

			return next(c)
		}
	}
}
