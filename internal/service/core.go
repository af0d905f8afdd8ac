// Package service implements the request-fulfillment pipelines: tiles, maps,
// feature info, capabilities, transparent proxying and error reporting.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"geocache/internal/grid"
	"geocache/internal/imaging"
	"geocache/internal/model"
)

// TileFetcher fills a tile's data and freshness from the cache or its source.
type TileFetcher interface {
	Fetch(ctx context.Context, tile *model.Tile) error
}

// TileGeometry maps arbitrary map requests onto grid tiles and back.
type TileGeometry interface {
	MapTiles(m *model.Map) ([]*model.Tile, error)
	Assemble(m *model.Map, tiles []*model.Tile, mode grid.ResampleMode) (*image.RGBA, error)
}

// Caller performs upstream HTTP calls. The returned status is 0 when the
// upstream could not be reached.
type Caller interface {
	Call(ctx context.Context, ep *model.Endpoint, params url.Values, buf *bytes.Buffer) (int, http.Header, error)
}

// Core runs the request pipelines. It holds no per-request state and is safe
// for concurrent use.
type Core struct {
	fetcher  TileFetcher
	geometry TileGeometry
	caller   Caller
	settings *Settings
	logger   *slog.Logger

	fetchLimit int // 0 fetches sequentially
	now        func() time.Time
}

// Option configures a Core.
type Option func(*Core)

// WithConcurrentFetch fetches the sub-resources of a request with up to
// limit workers. Merging still happens in request order.
func WithConcurrentFetch(limit int) Option {
	return func(c *Core) { c.fetchLimit = limit }
}

// WithClock overrides the clock used for Expires headers.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// NewCore creates a Core. settings may be nil, in which case error responses
// carry only a status code.
func NewCore(fetcher TileFetcher, geometry TileGeometry, caller Caller, settings *Settings, logger *slog.Logger, opts ...Option) *Core {
	c := &Core{
		fetcher:  fetcher,
		geometry: geometry,
		caller:   caller,
		settings: settings,
		logger:   logger.With("component", "core"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewResponse returns an empty 200 response.
func NewResponse() *model.Response {
	return &model.Response{
		Code: http.StatusOK,
		// Room for Content-Type, Cache-Control and Expires.
		Header: make(http.Header, 3),
	}
}

// freshness accumulates the last-modified time and expiry of a composite:
// the newest constituent mtime and the shortest non-zero constituent expiry.
type freshness struct {
	mtime   time.Time
	expires int
}

func (f *freshness) add(mtime time.Time, expires int) {
	if mtime.After(f.mtime) {
		f.mtime = mtime
	}
	f.expires = minExpiry(f.expires, expires)
}

// minExpiry returns the smaller of a and b, treating 0 as unset.
func minExpiry(a, b int) int {
	if a == 0 || (b != 0 && b < a) {
		return b
	}
	return a
}

// setContentType uses the format's MIME type when known, otherwise sniffs
// the body.
func setContentType(resp *model.Response, format model.ImageFormat) {
	if format != nil && format.MimeType() != "" {
		resp.Header.Set("Content-Type", format.MimeType())
		return
	}
	if mime := imaging.Sniff(resp.Body).MimeType(); mime != "" {
		resp.Header.Set("Content-Type", mime)
	}
}

// setExpiry sets Cache-Control and Expires, or nothing when expires is 0.
func (c *Core) setExpiry(resp *model.Response, expires int) {
	if expires == 0 {
		return
	}
	resp.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", expires))
	resp.Header.Set("Expires", c.now().Add(time.Duration(expires)*time.Second).UTC().Format(http.TimeFormat))
}
