// Package model defines the request, resource and response types shared by
// the request-fulfillment pipelines and their collaborators.
package model

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	"geocache/internal/grid"
)

// ImageFormat encodes rasters into a transferable buffer.
type ImageFormat interface {
	Name() string
	MimeType() string
	Encode(img image.Image) ([]byte, error)
}

// Source renders map regions and answers feature-info queries from an
// upstream service.
type Source interface {
	Name() string
	RenderMap(ctx context.Context, m *Map) error
	QueryFeatureInfo(ctx context.Context, fi *FeatureInfo) error
	// InfoFormats lists the supported feature-info formats; nil means the
	// source does not answer feature-info queries at all.
	InfoFormats() []string
}

// GridLink binds a tileset to a grid, restricting the usable zoom levels.
type GridLink struct {
	Grid    *grid.Grid
	MinZoom int
	MaxZoom int
}

// Tileset is a named cached layer.
type Tileset struct {
	Name    string
	Format  ImageFormat // nil when unset
	Source  Source      // nil when the tileset is cache-only
	Grids   []*GridLink
	Expires int // seconds, 0 for no expiry headers
	// Dimensions lists the accepted extra axes with their default values.
	Dimensions Dimensions
}

// GridLink returns the link to the named grid, or nil.
func (t *Tileset) GridLink(name string) *GridLink {
	for _, gl := range t.Grids {
		if gl.Grid.Name == name {
			return gl
		}
	}
	return nil
}

// Dimension is a single extra request axis, e.g. TIME=2024-01-01.
type Dimension struct {
	Name  string
	Value string
}

// Dimensions keeps request order.
type Dimensions []Dimension

// Get returns the value of the named dimension, compared case-insensitively.
func (d Dimensions) Get(name string) (string, bool) {
	for _, dim := range d {
		if strings.EqualFold(dim.Name, name) {
			return dim.Value, true
		}
	}
	return "", false
}

// Key renders the dimensions as a stable cache key fragment.
func (d Dimensions) Key() string {
	if len(d) == 0 {
		return ""
	}
	parts := make([]string, len(d))
	for i, dim := range d {
		parts[i] = dim.Name + "=" + dim.Value
	}
	return strings.Join(parts, "&")
}

// Tile is a single cell of a tileset grid. Data, MTime and Expires are filled
// by the cache-or-source fetch.
type Tile struct {
	Tileset    *Tileset
	GridLink   *GridLink
	X, Y, Z    int
	Dimensions Dimensions

	Data    []byte
	MTime   time.Time
	Expires int
}

// Key identifies the tile in a cache.
func (t *Tile) Key() string {
	key := fmt.Sprintf("%s/%s/%d/%d/%d", t.Tileset.Name, t.GridLink.Grid.Name, t.Z, t.X, t.Y)
	if dims := t.Dimensions.Key(); dims != "" {
		key += "?" + dims
	}
	return key
}

// Map is an arbitrary extent rendered at a given pixel size.
type Map struct {
	Tileset    *Tileset
	GridLink   *GridLink
	Extent     grid.Extent
	Width      int
	Height     int
	Dimensions Dimensions

	Data    []byte
	MTime   time.Time
	Expires int // 0 means unset
}

// FeatureInfo is a query at pixel (I, J) of Map. The result lands in Map.Data.
type FeatureInfo struct {
	Map    Map
	I, J   int
	Format string
}

// GetMapStrategy selects how composite maps are fulfilled.
type GetMapStrategy int

const (
	// StrategyAssemble builds maps from cached tiles.
	StrategyAssemble GetMapStrategy = iota
	// StrategyForward renders maps directly from the upstream source.
	StrategyForward
	// StrategyDisabled rejects map requests.
	StrategyDisabled
)

func (s GetMapStrategy) String() string {
	switch s {
	case StrategyAssemble:
		return "assemble"
	case StrategyForward:
		return "forward"
	case StrategyDisabled:
		return "error"
	}
	return fmt.Sprintf("GetMapStrategy(%d)", int(s))
}

// ParseGetMapStrategy maps a config value onto a strategy.
func ParseGetMapStrategy(s string) (GetMapStrategy, error) {
	switch strings.ToLower(s) {
	case "assemble", "":
		return StrategyAssemble, nil
	case "forward":
		return StrategyForward, nil
	case "error", "disabled":
		return StrategyDisabled, nil
	}
	return StrategyDisabled, fmt.Errorf("unknown getmap strategy %q", s)
}

// GetTileRequest asks for one or more tiles stacked in order.
type GetTileRequest struct {
	Tiles  []*Tile
	Format ImageFormat // optional override
}

// GetMapRequest asks for one or more maps stacked in order.
type GetMapRequest struct {
	Maps     []*Map
	Strategy GetMapStrategy
	Resample grid.ResampleMode
	Format   ImageFormat // always set
}

// FeatureInfoRequest wraps a single feature-info query.
type FeatureInfoRequest struct {
	Info *FeatureInfo
}

// CapabilitiesRequest asks a service for its capabilities document.
type CapabilitiesRequest struct {
	Service string
	Version string
	Params  map[string]string
}

// Capabilities is the document produced by a service.
type Capabilities struct {
	Document string
	MimeType string
}

// Response is a fully formed HTTP reply.
type Response struct {
	Code   int
	Header http.Header
	Body   []byte
	MTime  time.Time // zero when unknown
}
