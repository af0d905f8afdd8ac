package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"geocache/internal/config"
	"geocache/internal/grid"
	"geocache/internal/imaging"
	"geocache/internal/model"
)

var (
	red         = color.RGBA{R: 0xff, A: 0xff}
	blue        = color.RGBA{B: 0xff, A: 0xff}
	transparent = color.RGBA{}
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// halfPNG encodes a 4x4 image whose left half is left and right half is right.
func halfPNG(t *testing.T, left, right color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	draw.Draw(img, image.Rect(0, 0, 2, 4), image.NewUniform(left), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(2, 0, 4, 4), image.NewUniform(right), image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func decodeAt(t *testing.T, body []byte, x, y int) color.RGBA {
	t.Helper()
	img, err := imaging.Decode(body)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return img.RGBAAt(x, y)
}

type fetched struct {
	data    []byte
	mtime   time.Time
	expires int
	err     error
}

// fakeFetcher serves tiles keyed by tileset name.
type fakeFetcher struct {
	mu    sync.Mutex
	tiles map[string]fetched
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, tile *model.Tile) error {
	f.mu.Lock()
	f.calls = append(f.calls, tile.Tileset.Name)
	r, ok := f.tiles[tile.Tileset.Name]
	f.mu.Unlock()
	if !ok {
		return model.Errorf(http.StatusNotFound, "no tile for %s", tile.Tileset.Name)
	}
	if r.err != nil {
		return r.err
	}
	tile.Data = r.data
	tile.MTime = r.mtime
	tile.Expires = r.expires
	return nil
}

// fakeGeometry covers every map with a single tile that becomes the raster.
type fakeGeometry struct {
	err error
}

func (g fakeGeometry) MapTiles(m *model.Map) ([]*model.Tile, error) {
	if g.err != nil {
		return nil, g.err
	}
	return []*model.Tile{{Tileset: m.Tileset, GridLink: m.GridLink, Dimensions: m.Dimensions}}, nil
}

func (g fakeGeometry) Assemble(_ *model.Map, tiles []*model.Tile, _ grid.ResampleMode) (*image.RGBA, error) {
	return imaging.Decode(tiles[0].Data)
}

type call struct {
	url    string
	params url.Values
}

type fakeCaller struct {
	status int
	header http.Header
	body   string
	err    error
	calls  []call
}

func (c *fakeCaller) Call(_ context.Context, ep *model.Endpoint, params url.Values, buf *bytes.Buffer) (int, http.Header, error) {
	c.calls = append(c.calls, call{url: ep.URL, params: params})
	buf.WriteString(c.body)
	return c.status, c.header, c.err
}

// fakeSource renders a fixed buffer and answers feature info with a fixed body.
type fakeSource struct {
	data        []byte
	mtime       time.Time
	formats     []string
	info        string
	err         error
	renders     int
	lastInfoFmt string
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) RenderMap(_ context.Context, m *model.Map) error {
	s.renders++
	if s.err != nil {
		return s.err
	}
	m.Data = s.data
	m.MTime = s.mtime
	return nil
}

func (s *fakeSource) QueryFeatureInfo(_ context.Context, fi *model.FeatureInfo) error {
	if s.err != nil {
		return s.err
	}
	s.lastInfoFmt = fi.Format
	fi.Map.Data = []byte(s.info)
	return nil
}

func (s *fakeSource) InfoFormats() []string { return s.formats }

var pngFormat = imaging.NewPNG("PNG", png.DefaultCompression)

func newTestCore(t *testing.T, fetcher TileFetcher, caller Caller, settings *Settings, opts ...Option) *Core {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewCore(fetcher, fakeGeometry{}, caller, settings, discardLogger(), opts...)
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse()
	if resp.Code != http.StatusOK {
		t.Errorf("Code = %d, want 200", resp.Code)
	}
	if resp.Header == nil || len(resp.Header) != 0 {
		t.Errorf("Header = %v, want empty non-nil map", resp.Header)
	}
	if resp.Body != nil || !resp.MTime.IsZero() {
		t.Errorf("unexpected body or mtime: %v %v", resp.Body, resp.MTime)
	}
}

func TestMinExpiry(t *testing.T) {
	tests := []struct {
		a, b, want int
	}{
		{0, 0, 0},
		{0, 300, 300},
		{300, 0, 300},
		{600, 300, 300},
		{300, 600, 300},
	}
	for _, tt := range tests {
		if got := minExpiry(tt.a, tt.b); got != tt.want {
			t.Errorf("minExpiry(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSetContentType_SniffsWithoutFormat(t *testing.T) {
	resp := NewResponse()
	resp.Body = halfPNG(t, red, red)
	setContentType(resp, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}

	resp = NewResponse()
	resp.Body = []byte("not an image")
	setContentType(resp, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		t.Errorf("Content-Type = %q, want empty", ct)
	}
}

func TestSetExpiry(t *testing.T) {
	c := newTestCore(t, nil, nil, nil)

	resp := NewResponse()
	c.setExpiry(resp, 0)
	if len(resp.Header) != 0 {
		t.Errorf("headers = %v, want none for zero expiry", resp.Header)
	}

	c.setExpiry(resp, 3600)
	if got := resp.Header.Get("Cache-Control"); got != "max-age=3600" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got, want := resp.Header.Get("Expires"), "Sat, 01 Jun 2024 13:00:00 GMT"; got != want {
		t.Errorf("Expires = %q, want %q", got, want)
	}
}

func TestNewSettings(t *testing.T) {
	lookup := func(name string) (model.ImageFormat, bool) {
		if strings.EqualFold(name, "png") {
			return pngFormat, true
		}
		return nil, false
	}

	s, err := NewSettings(configService("PNG", "empty_img", 16), lookup)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}
	if s.Reporting != ReportEmptyImage {
		t.Errorf("Reporting = %v, want empty_img", s.Reporting)
	}
	img, err := imaging.Decode(s.EmptyImage)
	if err != nil {
		t.Fatalf("Decode(EmptyImage) error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Errorf("empty image size = %v, want 16x16", b)
	}
	if img.RGBAAt(3, 3) != transparent {
		t.Errorf("empty image pixel = %v, want transparent", img.RGBAAt(3, 3))
	}

	if _, err := NewSettings(configService("GIF", "message", 0), lookup); err == nil {
		t.Error("NewSettings() expected error for unknown format")
	}
	if _, err := NewSettings(configService("PNG", "shout", 0), lookup); err == nil {
		t.Error("NewSettings() expected error for unknown reporting mode")
	}
}

func TestDefaultFormat_WithoutSettings(t *testing.T) {
	c := newTestCore(t, nil, nil, nil)
	if f := c.defaultFormat(); f == nil || f.MimeType() != "image/png" {
		t.Errorf("defaultFormat() = %v, want PNG", f)
	}
}

func configService(format, reporting string, size int) config.ServiceConfig {
	return config.ServiceConfig{DefaultFormat: format, Reporting: reporting, EmptyImageSize: size}
}
