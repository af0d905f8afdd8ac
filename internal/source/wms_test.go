package source

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"geocache/internal/config"
	"geocache/internal/grid"
	"geocache/internal/model"
)

type fakeCaller struct {
	params url.Values
	ep     *model.Endpoint
	body   []byte
	header http.Header
	status int
	err    error
}

func (f *fakeCaller) Call(_ context.Context, ep *model.Endpoint, params url.Values, buf *bytes.Buffer) (int, http.Header, error) {
	f.ep = ep
	f.params = params
	buf.Write(f.body)
	return f.status, f.header, f.err
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n....")

func newTestWMS(caller Caller) *WMS {
	cfg := config.SourceConfig{
		Name:        "osm-wms",
		URL:         "https://wms.example.com/service",
		Params:      map[string]string{"layers": "osm"},
		Headers:     map[string]string{"X-Token": "secret"},
		InfoFormats: []string{"text/plain"},
	}
	return NewWMS(cfg, caller, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testMap() *model.Map {
	return &model.Map{
		GridLink:   &model.GridLink{Grid: grid.WGS84()},
		Extent:     grid.Extent{MinX: -180, MinY: -90, MaxX: 0, MaxY: 90},
		Width:      256,
		Height:     256,
		Dimensions: model.Dimensions{{Name: "time", Value: "2024"}, {Name: "band", Value: "red"}},
	}
}

func TestWMS_RenderMap(t *testing.T) {
	fc := &fakeCaller{body: pngMagic, status: 200, header: http.Header{}}
	w := newTestWMS(fc)
	m := testMap()

	if err := w.RenderMap(context.Background(), m); err != nil {
		t.Fatalf("RenderMap() error = %v", err)
	}
	if !bytes.Equal(m.Data, pngMagic) {
		t.Errorf("Data = %q, want upstream body", m.Data)
	}

	want := map[string]string{
		"SERVICE":     "WMS",
		"REQUEST":     "GetMap",
		"LAYERS":      "osm",
		"BBOX":        "-180,-90,0,90",
		"WIDTH":       "256",
		"HEIGHT":      "256",
		"SRS":         "EPSG:4326",
		"FORMAT":      "image/png",
		"TRANSPARENT": "TRUE",
		"TIME":        "2024",
		"DIM_BAND":    "red",
	}
	for k, v := range want {
		if got := fc.params.Get(k); got != v {
			t.Errorf("param %s = %q, want %q", k, got, v)
		}
	}
	if fc.ep.Header.Get("X-Token") != "secret" {
		t.Errorf("endpoint header X-Token not set")
	}
}

func TestWMS_RenderMap_NonImage(t *testing.T) {
	fc := &fakeCaller{
		body:   []byte("<ServiceExceptionReport>bad layer</ServiceExceptionReport>"),
		status: 200,
		header: http.Header{"Content-Type": {"application/vnd.ogc.se_xml"}},
	}
	err := newTestWMS(fc).RenderMap(context.Background(), testMap())
	if err == nil {
		t.Fatal("RenderMap() expected error for non-image reply")
	}
	if model.CodeOf(err) != http.StatusBadGateway {
		t.Errorf("CodeOf() = %d, want 502", model.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "bad layer") {
		t.Errorf("error = %q, want upstream excerpt", err)
	}
}

func TestWMS_RenderMap_CallError(t *testing.T) {
	callErr := model.Errorf(http.StatusBadGateway, "boom")
	fc := &fakeCaller{err: callErr}
	if err := newTestWMS(fc).RenderMap(context.Background(), testMap()); err != callErr {
		t.Errorf("RenderMap() error = %v, want the caller's error verbatim", err)
	}
}

func TestWMS_QueryFeatureInfo(t *testing.T) {
	fc := &fakeCaller{body: []byte("feature: road"), status: 200}
	w := newTestWMS(fc)
	fi := &model.FeatureInfo{Map: *testMap(), I: 10, J: 20, Format: "text/plain"}

	if err := w.QueryFeatureInfo(context.Background(), fi); err != nil {
		t.Fatalf("QueryFeatureInfo() error = %v", err)
	}
	if string(fi.Map.Data) != "feature: road" {
		t.Errorf("Data = %q", fi.Map.Data)
	}
	want := map[string]string{
		"REQUEST":      "GetFeatureInfo",
		"QUERY_LAYERS": "osm",
		"INFO_FORMAT":  "text/plain",
		"X":            "10",
		"Y":            "20",
	}
	for k, v := range want {
		if got := fc.params.Get(k); got != v {
			t.Errorf("param %s = %q, want %q", k, got, v)
		}
	}
	if len(w.InfoFormats()) != 1 {
		t.Errorf("InfoFormats() = %v", w.InfoFormats())
	}
}
