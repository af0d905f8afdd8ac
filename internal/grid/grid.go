// Package grid implements the tiling schemes used to address cached tiles.
package grid

import (
	"fmt"
	"math"
	"strings"
)

// epsilon absorbs floating point noise when snapping extents onto tile edges.
const epsilon = 1e-6

// Extent is a bounding box in grid units.
type Extent struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width returns the horizontal span.
func (e Extent) Width() float64 { return e.MaxX - e.MinX }

// Height returns the vertical span.
func (e Extent) Height() float64 { return e.MaxY - e.MinY }

// Valid reports whether the extent has a positive area.
func (e Extent) Valid() bool { return e.MaxX > e.MinX && e.MaxY > e.MinY }

func (e Extent) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", e.MinX, e.MinY, e.MaxX, e.MaxY)
}

// ResampleMode selects the interpolation used when assembling maps.
type ResampleMode int

const (
	ResampleNearest ResampleMode = iota
	ResampleBilinear
)

func (m ResampleMode) String() string {
	if m == ResampleBilinear {
		return "bilinear"
	}
	return "nearest"
}

// ParseResampleMode maps a config value onto a mode. Empty means nearest.
func ParseResampleMode(s string) (ResampleMode, error) {
	switch strings.ToLower(s) {
	case "nearest", "":
		return ResampleNearest, nil
	case "bilinear":
		return ResampleBilinear, nil
	}
	return ResampleNearest, fmt.Errorf("unknown resample mode %q", s)
}

// Grid is a pyramid of resolutions over an extent, with its origin at the
// bottom-left corner.
type Grid struct {
	Name        string
	SRS         string
	Extent      Extent
	TileWidth   int
	TileHeight  int
	Resolutions []float64 // units per pixel, one per zoom level, decreasing
}

// New validates and builds a grid.
func New(name, srs string, extent Extent, tileWidth, tileHeight int, resolutions []float64) (*Grid, error) {
	if name == "" {
		return nil, fmt.Errorf("grid name is required")
	}
	if !extent.Valid() {
		return nil, fmt.Errorf("grid %s: invalid extent %s", name, extent)
	}
	if tileWidth <= 0 || tileHeight <= 0 {
		return nil, fmt.Errorf("grid %s: tile size must be positive; got %dx%d", name, tileWidth, tileHeight)
	}
	if len(resolutions) == 0 {
		return nil, fmt.Errorf("grid %s: at least one resolution is required", name)
	}
	for i, r := range resolutions {
		if r <= 0 {
			return nil, fmt.Errorf("grid %s: resolution %d must be positive", name, i)
		}
		if i > 0 && r >= resolutions[i-1] {
			return nil, fmt.Errorf("grid %s: resolutions must be strictly decreasing", name)
		}
	}
	return &Grid{
		Name:        name,
		SRS:         srs,
		Extent:      extent,
		TileWidth:   tileWidth,
		TileHeight:  tileHeight,
		Resolutions: resolutions,
	}, nil
}

// WebMercator returns the GoogleMapsCompatible grid (EPSG:3857).
func WebMercator() *Grid {
	const half = 20037508.3427892
	res := make([]float64, 19)
	for z := range res {
		res[z] = 156543.0339280410 / math.Pow(2, float64(z))
	}
	return &Grid{
		Name:        "GoogleMapsCompatible",
		SRS:         "EPSG:3857",
		Extent:      Extent{-half, -half, half, half},
		TileWidth:   256,
		TileHeight:  256,
		Resolutions: res,
	}
}

// WGS84 returns the geographic grid (EPSG:4326), two tiles wide at level 0.
func WGS84() *Grid {
	res := make([]float64, 18)
	for z := range res {
		res[z] = 0.703125 / math.Pow(2, float64(z))
	}
	return &Grid{
		Name:        "WGS84",
		SRS:         "EPSG:4326",
		Extent:      Extent{-180, -90, 180, 90},
		TileWidth:   256,
		TileHeight:  256,
		Resolutions: res,
	}
}

// Levels returns the number of zoom levels.
func (g *Grid) Levels() int { return len(g.Resolutions) }

// Limits returns the number of tile columns and rows at level z.
func (g *Grid) Limits(z int) (cols, rows int) {
	res := g.Resolutions[z]
	cols = int(math.Ceil(g.Extent.Width()/(res*float64(g.TileWidth)) - epsilon))
	rows = int(math.Ceil(g.Extent.Height()/(res*float64(g.TileHeight)) - epsilon))
	return cols, rows
}

// Contains reports whether (x, y, z) addresses a tile inside the grid.
func (g *Grid) Contains(x, y, z int) bool {
	if z < 0 || z >= len(g.Resolutions) || x < 0 || y < 0 {
		return false
	}
	cols, rows := g.Limits(z)
	return x < cols && y < rows
}

// TileExtent returns the extent covered by tile (x, y) at level z.
func (g *Grid) TileExtent(x, y, z int) Extent {
	res := g.Resolutions[z]
	w := float64(g.TileWidth) * res
	h := float64(g.TileHeight) * res
	minX := g.Extent.MinX + float64(x)*w
	minY := g.Extent.MinY + float64(y)*h
	return Extent{MinX: minX, MinY: minY, MaxX: minX + w, MaxY: minY + h}
}

// Level returns the zoom level whose resolution is closest to the one
// implied by rendering e at width x height pixels.
func (g *Grid) Level(e Extent, width, height int) int {
	want := math.Max(e.Width()/float64(width), e.Height()/float64(height))
	best, bestDiff := 0, math.Inf(1)
	for z, r := range g.Resolutions {
		if d := math.Abs(r - want); d < bestDiff {
			best, bestDiff = z, d
		}
	}
	return best
}

// TileRange returns the inclusive tile range at level z covering e, clamped
// to the grid. ok is false when e lies entirely outside the grid.
func (g *Grid) TileRange(z int, e Extent) (minX, minY, maxX, maxY int, ok bool) {
	res := g.Resolutions[z]
	w := float64(g.TileWidth) * res
	h := float64(g.TileHeight) * res

	minX = int(math.Floor((e.MinX-g.Extent.MinX)/w + epsilon))
	minY = int(math.Floor((e.MinY-g.Extent.MinY)/h + epsilon))
	maxX = int(math.Ceil((e.MaxX-g.Extent.MinX)/w-epsilon)) - 1
	maxY = int(math.Ceil((e.MaxY-g.Extent.MinY)/h-epsilon)) - 1

	cols, rows := g.Limits(z)
	minX, maxX = max(minX, 0), min(maxX, cols-1)
	minY, maxY = max(minY, 0), min(maxY, rows-1)
	return minX, minY, maxX, maxY, minX <= maxX && minY <= maxY
}
