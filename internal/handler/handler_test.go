package handler

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"geocache/internal/client"
	"geocache/internal/config"
	"geocache/internal/ows"
	"geocache/internal/service"
	"geocache/internal/tilecache"
	"geocache/internal/tileset"
)

// fakeWMS answers GetMap with a solid PNG of the requested size and relays
// any other path as plain text.
type fakeWMS struct {
	renders atomic.Int32
}

func (f *fakeWMS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case r.URL.Path == "/missing":
		http.Error(w, "no such thing", http.StatusNotFound)
	case q.Get("REQUEST") == "GetMap":
		f.renders.Add(1)
		width, _ := strconv.Atoi(q.Get("WIDTH"))
		height, _ := strconv.Atoi(q.Get("HEIGHT"))
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 0xff, A: 0xff}), image.Point{}, draw.Src)
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, img)
	case q.Get("REQUEST") == "GetFeatureInfo":
		w.Header().Set("Content-Type", q.Get("INFO_FORMAT"))
		fmt.Fprintf(w, "feature at %s,%s", q.Get("X"), q.Get("Y"))
	default:
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "proxied %s?%s", r.URL.Path, r.URL.RawQuery)
	}
}

// newTestServer wires the whole request path the way main does, against a
// fake upstream WMS.
func newTestServer(t *testing.T, serviceSection string) (*echo.Echo, *fakeWMS) {
	t.Helper()
	upstream := &fakeWMS{}
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
[service]
public_url = "http://geo.example/"
%s

[[source]]
name = "upstream"
url = %q
info_formats = ["text/plain"]

[[tileset]]
name = "osm"
source = "upstream"
format = "PNG"
grids = ["GoogleMapsCompatible", "WGS84"]
expires = 3600

[[tileset]]
name = "cached"

[[proxy]]
name = "up"
url = %q
`, serviceSection, srv.URL, srv.URL)))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	cfg.Upstream.TimeoutSeconds = 5

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	reg, err := tileset.NewRegistry(cfg, uc, logger)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	store, err := tilecache.NewMemory(cfg.Cache.MaxEntries, nil)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	settings, err := service.NewSettings(cfg.Service, reg.LookupFormat)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}
	opts, err := ows.NewOptions(cfg.Service, reg)
	if err != nil {
		t.Fatalf("NewOptions() error = %v", err)
	}
	fetcher := tilecache.NewFetcher(store, nil, logger)
	core := service.NewCore(fetcher, tileset.Geometry{}, uc, settings, logger)

	e := echo.New()
	RegisterRoutes(e,
		NewOWSHandler(core, ows.NewTMS(reg, opts, logger), ows.NewWMS(reg, opts, logger), cfg, logger),
		NewProxyHandler(core, reg, logger),
		NewHealthHandler(cfg, "test"),
		NewCacheHandler(ows.NewTMS(reg, opts, logger), fetcher, cfg, logger),
	)
	return e, upstream
}

func get(e *echo.Echo, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	e, _ := newTestServer(t, "")

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantType   string
	}{
		{"healthz", "/healthz", http.StatusOK, "application/json"},
		{"status", "/geocache/status", http.StatusOK, "application/json"},
		{"tms root", "/tms", http.StatusOK, "text/xml"},
		{"tms service", "/tms/1.0.0/", http.StatusOK, "text/xml"},
		{"tms tile", "/tms/1.0.0/osm@GoogleMapsCompatible/1/0/1.png", http.StatusOK, "image/png"},
		{"wms capabilities", "/wms?SERVICE=WMS&REQUEST=GetCapabilities", http.StatusOK, "application/vnd.ogc.wms_xml"},
		{"wms getmap", "/wms?REQUEST=GetMap&LAYERS=osm&SRS=EPSG:4326&BBOX=-180,-90,0,90&WIDTH=64&HEIGHT=64&FORMAT=image/jpeg", http.StatusOK, "image/jpeg"},
		{"wms feature info", "/wms?REQUEST=GetFeatureInfo&QUERY_LAYERS=osm&SRS=EPSG:4326&BBOX=-180,-90,0,90&WIDTH=64&HEIGHT=64&X=3&Y=4", http.StatusOK, "text/plain"},
		{"proxy", "/proxy/up/some/path?a=b", http.StatusOK, "text/plain"},
		{"proxy root", "/proxy/up", http.StatusOK, "text/plain"},
		{"unknown proxy", "/proxy/nope/x", http.StatusNotFound, "text/plain"},
		{"unknown tileset", "/tms/1.0.0/nope@WGS84/0/0/0.png", http.StatusNotFound, "text/plain"},
		{"unknown route", "/unknown", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(e, tt.path, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantType != "" {
				if ct := rec.Header().Get("Content-Type"); ct != tt.wantType && ct != tt.wantType+"; charset=UTF-8" {
					t.Errorf("Content-Type = %q, want %q", ct, tt.wantType)
				}
			}
		})
	}
}

func TestOWSHandler_TileIsCachedAndConditional(t *testing.T) {
	e, upstream := newTestServer(t, "")
	path := "/tms/1.0.0/osm@WGS84/0/1/0.png"

	first := get(e, path, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", first.Code, first.Body.String())
	}
	if cc := first.Header().Get("Cache-Control"); cc != "max-age=3600" {
		t.Errorf("Cache-Control = %q, want max-age=3600", cc)
	}
	lastModified := first.Header().Get("Last-Modified")
	if lastModified == "" {
		t.Fatal("Last-Modified not set")
	}
	if cl := first.Header().Get("Content-Length"); cl != strconv.Itoa(first.Body.Len()) {
		t.Errorf("Content-Length = %q, want %d", cl, first.Body.Len())
	}

	second := get(e, path, nil)
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("cached tile differs from the first response")
	}
	if n := upstream.renders.Load(); n != 1 {
		t.Errorf("upstream renders = %d, want 1", n)
	}

	cond := get(e, path, http.Header{"If-Modified-Since": {lastModified}})
	if cond.Code != http.StatusNotModified {
		t.Errorf("conditional status = %d, want 304", cond.Code)
	}
	if cond.Body.Len() != 0 {
		t.Errorf("304 body = %q, want empty", cond.Body.String())
	}

	stale := get(e, path, http.Header{"If-Modified-Since": {"Mon, 01 Jan 2001 00:00:00 GMT"}})
	if stale.Code != http.StatusOK {
		t.Errorf("stale conditional status = %d, want 200", stale.Code)
	}
}

func TestOWSHandler_ErrorReporting(t *testing.T) {
	tests := []struct {
		name      string
		service   string
		wantCode  int
		wantType  string
		wantError string
	}{
		{"message", `reporting = "message"`, http.StatusNotFound, "text/plain", ""},
		{"empty image", `reporting = "empty_img"`, http.StatusNotFound, "image/png", "unknown tileset nope"},
		{"error image", `reporting = "error_img"`, http.StatusNotFound, "image/png", "unknown tileset nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestServer(t, tt.service)
			rec := get(e, "/tms/1.0.0/nope@WGS84/0/0/0.png", nil)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.wantType)
			}
			if got := rec.Header().Get(service.ErrorHeader); got != tt.wantError {
				t.Errorf("%s = %q, want %q", service.ErrorHeader, got, tt.wantError)
			}
			if tt.wantType == "text/plain" && rec.Body.String() != "unknown tileset nope" {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestOWSHandler_ForwardAndDisabledStrategies(t *testing.T) {
	query := "/wms?REQUEST=GetMap&LAYERS=osm&SRS=EPSG:4326&BBOX=-180,-90,0,90&WIDTH=32&HEIGHT=32&FORMAT=image/jpeg"

	e, upstream := newTestServer(t, `getmap_strategy = "forward"`)
	rec := get(e, query, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	// A single forwarded map is relayed in the tileset's format.
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if n := upstream.renders.Load(); n != 1 {
		t.Errorf("upstream renders = %d, want 1", n)
	}

	rec = get(e, "/wms?REQUEST=GetMap&LAYERS=cached&SRS=EPSG:3857&BBOX=0,0,10,10&WIDTH=32&HEIGHT=32", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("forward without source status = %d, want 404", rec.Code)
	}

	e, _ = newTestServer(t, `getmap_strategy = "error"`)
	rec = get(e, query, nil)
	if rec.Code != http.StatusNotFound || rec.Body.String() != "full wms support disabled" {
		t.Errorf("disabled response = %d %q", rec.Code, rec.Body.String())
	}
}

func TestProxyHandler_RelaysUpstream(t *testing.T) {
	e, _ := newTestServer(t, "")

	rec := get(e, "/proxy/up/layers/a?x=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "proxied /layers/a?x=1" {
		t.Errorf("body = %q", got)
	}

	rec = get(e, "/proxy/up/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want relayed 404", rec.Code)
	}
	if got := rec.Body.String(); got != "no such thing\n" {
		t.Errorf("body = %q, want upstream body", got)
	}
}

func do(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCacheHandler_Invalidate(t *testing.T) {
	path := "/tms/1.0.0/osm@WGS84/0/1/0.png"

	e, _ := newTestServer(t, "")
	if rec := do(e, http.MethodDelete, path); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE without allow_invalidation status = %d, want 405", rec.Code)
	}

	e, upstream := newTestServer(t, "[cache]\nallow_invalidation = true")
	if rec := do(e, http.MethodDelete, path); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE of uncached tile status = %d, want 404", rec.Code)
	}
	if rec := get(e, path, nil); rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body %q", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodDelete, path); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204 (body %q)", rec.Code, rec.Body.String())
	}
	if rec := get(e, path, nil); rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body %q", rec.Code, rec.Body.String())
	}
	if n := upstream.renders.Load(); n != 2 {
		t.Errorf("upstream renders = %d, want 2 after invalidation", n)
	}
	if rec := do(e, http.MethodDelete, "/tms/1.0.0/"); rec.Code != http.StatusBadRequest {
		t.Errorf("DELETE of a non-tile url status = %d, want 400", rec.Code)
	}
}
