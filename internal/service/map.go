package service

import (
	"context"
	"image"
	"net/http"

	"geocache/internal/grid"
	"geocache/internal/imaging"
	"geocache/internal/model"
)

// GetMap renders the requested maps and stacks them in request order, either
// from cached tiles or straight from the upstream sources depending on the
// request strategy. The freshness of every constituent is folded into the
// first map.
func (c *Core) GetMap(ctx context.Context, req *model.GetMapRequest) (*model.Response, error) {
	if len(req.Maps) == 0 {
		return nil, model.Errorf(http.StatusInternalServerError, "BUG: get_map called with 0 maps")
	}

	var (
		baseim *image.RGBA // nil when the base map's buffer can be served as is
		err    error
	)
	switch req.Strategy {
	case model.StrategyDisabled:
		return nil, model.Errorf(http.StatusNotFound, "full wms support disabled")
	case model.StrategyAssemble:
		baseim, err = c.assembleMaps(ctx, req.Maps, req.Resample)
	case model.StrategyForward:
		baseim, err = c.forwardMaps(ctx, req.Maps)
	default:
		return nil, model.Errorf(http.StatusInternalServerError, "unknown getmap strategy %s", req.Strategy)
	}
	if err != nil {
		return nil, err
	}

	basemap := req.Maps[0]
	resp := NewResponse()

	var format model.ImageFormat
	if baseim != nil {
		format = req.Format
		if format == nil {
			format = c.defaultFormat()
		}
		if resp.Body, err = format.Encode(baseim); err != nil {
			return nil, err
		}
	} else {
		resp.Body = basemap.Data
		format = basemap.Tileset.Format
	}

	setContentType(resp, format)
	c.setExpiry(resp, basemap.Expires)
	resp.MTime = basemap.MTime
	return resp, nil
}

// assembleMaps builds every map from cached tiles and merges the overlays
// onto the base raster.
func (c *Core) assembleMaps(ctx context.Context, maps []*model.Map, mode grid.ResampleMode) (*image.RGBA, error) {
	basemap := maps[0]
	baseim, err := c.assembleMap(ctx, basemap, mode)
	if err != nil {
		return nil, err
	}
	for _, overlay := range maps[1:] {
		im, err := c.assembleMap(ctx, overlay, mode)
		if err != nil {
			return nil, err
		}
		if err := imaging.Merge(baseim, im); err != nil {
			return nil, err
		}
		if overlay.MTime.After(basemap.MTime) {
			basemap.MTime = overlay.MTime
		}
		basemap.Expires = minExpiry(basemap.Expires, overlay.Expires)
	}
	return baseim, nil
}

// assembleMap fetches the tiles covering m, folds their freshness into m and
// resamples them into a single raster.
func (c *Core) assembleMap(ctx context.Context, m *model.Map, mode grid.ResampleMode) (*image.RGBA, error) {
	tiles, err := c.geometry.MapTiles(m)
	if err != nil {
		return nil, err
	}
	fresh, err := c.fetchTiles(ctx, tiles)
	if err != nil {
		return nil, err
	}
	if fresh.mtime.After(m.MTime) {
		m.MTime = fresh.mtime
	}
	m.Expires = minExpiry(m.Expires, fresh.expires)

	return c.geometry.Assemble(m, tiles, mode)
}

// forwardMaps renders every map directly from its tileset's source. A single
// map is left encoded in basemap.Data and nil is returned.
func (c *Core) forwardMaps(ctx context.Context, maps []*model.Map) (*image.RGBA, error) {
	for _, m := range maps {
		if m.Tileset.Source == nil {
			return nil, model.Errorf(http.StatusNotFound, "cannot forward request for tileset %s: no source configured", m.Tileset.Name)
		}
	}

	basemap := maps[0]
	if err := c.renderMap(ctx, basemap); err != nil {
		return nil, err
	}
	if len(maps) == 1 {
		return nil, nil
	}

	baseim, err := imaging.Decode(basemap.Data)
	if err != nil {
		return nil, err
	}
	for _, overlay := range maps[1:] {
		if err := c.renderMap(ctx, overlay); err != nil {
			return nil, err
		}
		im, err := imaging.Decode(overlay.Data)
		if err != nil {
			return nil, err
		}
		if err := imaging.Merge(baseim, im); err != nil {
			return nil, err
		}
		basemap.Expires = minExpiry(basemap.Expires, overlay.Expires)
	}
	return baseim, nil
}

// renderMap renders m from its source. A forwarded map is as fresh as the
// moment it was rendered and expires with its tileset.
func (c *Core) renderMap(ctx context.Context, m *model.Map) error {
	if err := m.Tileset.Source.RenderMap(ctx, m); err != nil {
		return err
	}
	if m.MTime.IsZero() {
		m.MTime = c.now()
	}
	m.Expires = minExpiry(m.Expires, m.Tileset.Expires)
	return nil
}
