package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestResponseHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(ResponseHeaders())
	e.GET("/tms/*", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, err := c.Response().Write([]byte("tile"))
		return err
	})

	req := httptest.NewRequest(http.MethodGet, "/tms/1.0.0/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Expose-Headers"); v != "X-Geocache-Error" {
		t.Errorf("Access-Control-Expose-Headers = %q", v)
	}
}

func TestResponseHeaders_StripsHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(ResponseHeaders())

	var gotConnection, gotProxyAuth string
	e.GET("/test", func(c echo.Context) error {
		gotConnection = c.Request().Header.Get("Connection")
		gotProxyAuth = c.Request().Header.Get("Proxy-Authorization")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotConnection != "" || gotProxyAuth != "" {
		t.Errorf("hop-by-hop headers should be stripped, got %q / %q", gotConnection, gotProxyAuth)
	}
}
