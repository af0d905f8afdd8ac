// Package tileset resolves configured tilesets and maps arbitrary map
// requests onto the tiles that cover them.
package tileset

import (
	"image"
	"math"
	"net/http"

	"golang.org/x/image/draw"

	"geocache/internal/grid"
	"geocache/internal/imaging"
	"geocache/internal/model"
)

// maxMapTiles bounds the number of tiles a single map may be assembled from.
const maxMapTiles = 1024

// Geometry decomposes maps into covering tiles and reassembles them.
type Geometry struct{}

// MapTiles returns the tiles covering m at the zoom level closest to its
// resolution. The tiles inherit m's dimensions and carry no data yet.
func (Geometry) MapTiles(m *model.Map) ([]*model.Tile, error) {
	if m.Width <= 0 || m.Height <= 0 {
		return nil, model.Errorf(http.StatusBadRequest, "invalid map size %dx%d", m.Width, m.Height)
	}
	if !m.Extent.Valid() {
		return nil, model.Errorf(http.StatusBadRequest, "invalid map extent %s", m.Extent)
	}

	g := m.GridLink.Grid
	z := g.Level(m.Extent, m.Width, m.Height)
	z = min(max(z, m.GridLink.MinZoom), m.GridLink.MaxZoom)

	minX, minY, maxX, maxY, ok := g.TileRange(z, m.Extent)
	if !ok {
		return nil, nil
	}
	n := (maxX - minX + 1) * (maxY - minY + 1)
	if n > maxMapTiles {
		return nil, model.Errorf(http.StatusBadRequest, "map of tileset %s would need %d tiles (limit %d)", m.Tileset.Name, n, maxMapTiles)
	}

	tiles := make([]*model.Tile, 0, n)
	for y := maxY; y >= minY; y-- {
		for x := minX; x <= maxX; x++ {
			tiles = append(tiles, &model.Tile{
				Tileset:    m.Tileset,
				GridLink:   m.GridLink,
				X:          x,
				Y:          y,
				Z:          z,
				Dimensions: m.Dimensions,
			})
		}
	}
	return tiles, nil
}

// Assemble mosaics the fetched tiles and resamples m's extent out of the
// mosaic into an m.Width x m.Height raster. Areas no tile covers stay
// transparent.
func (Geometry) Assemble(m *model.Map, tiles []*model.Tile, mode grid.ResampleMode) (*image.RGBA, error) {
	out := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	if len(tiles) == 0 {
		return out, nil
	}

	g := m.GridLink.Grid
	z := tiles[0].Z
	res := g.Resolutions[z]
	tw, th := g.TileWidth, g.TileHeight

	minX, minY, maxX, maxY := tiles[0].X, tiles[0].Y, tiles[0].X, tiles[0].Y
	for _, t := range tiles[1:] {
		minX, maxX = min(minX, t.X), max(maxX, t.X)
		minY, maxY = min(minY, t.Y), max(maxY, t.Y)
	}

	// The mosaic's pixel origin is the top-left corner of the top-left tile.
	origin := g.TileExtent(minX, maxY, z)
	ox, oy := origin.MinX, origin.MaxY
	e := m.Extent
	sx0, sy0 := (e.MinX-ox)/res, (oy-e.MaxY)/res
	sx1, sy1 := (e.MaxX-ox)/res, (oy-e.MinY)/res

	// Only the part of the extent the tiles cover is read; the rest of out
	// stays transparent.
	cw, ch := float64((maxX-minX+1)*tw), float64((maxY-minY+1)*th)
	cx0, cy0 := max(sx0, 0), max(sy0, 0)
	cx1, cy1 := min(sx1, cw), min(sy1, ch)
	if cx1 <= cx0 || cy1 <= cy0 {
		return out, nil
	}
	src := image.Rect(round(cx0), round(cy0), round(cx1), round(cy1))
	kx, ky := float64(m.Width)/(sx1-sx0), float64(m.Height)/(sy1-sy0)
	dst := image.Rect(
		round((cx0-sx0)*kx),
		round((cy0-sy0)*ky),
		round((cx1-sx0)*kx),
		round((cy1-sy0)*ky),
	).Intersect(out.Bounds())
	if src.Empty() || dst.Empty() {
		return out, nil
	}

	mosaic := image.NewRGBA(image.Rect(0, 0, int(cw), int(ch)))
	for _, t := range tiles {
		img, err := imaging.Decode(t.Data)
		if err != nil {
			return nil, err
		}
		px, py := (t.X-minX)*tw, (maxY-t.Y)*th
		draw.Draw(mosaic, image.Rect(px, py, px+tw, py+th), img, image.Point{}, draw.Src)
	}

	if src.Dx() == dst.Dx() && src.Dy() == dst.Dy() {
		draw.Draw(out, dst, mosaic, src.Min, draw.Src)
		return out, nil
	}

	var interp draw.Interpolator = draw.NearestNeighbor
	if mode == grid.ResampleBilinear {
		interp = draw.BiLinear
	}
	interp.Scale(out, dst, mosaic, src, draw.Src, nil)
	return out, nil
}

func round(v float64) int { return int(math.Round(v)) }
