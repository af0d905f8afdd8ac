package service

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"geocache/internal/imaging"
	"geocache/internal/model"
)

// GetTile fetches the requested tiles and stacks them in request order. A
// single tile is returned exactly as fetched.
func (c *Core) GetTile(ctx context.Context, req *model.GetTileRequest) (*model.Response, error) {
	if len(req.Tiles) == 0 {
		return nil, model.Errorf(http.StatusInternalServerError, "BUG: get_tile called with 0 tiles")
	}

	fresh, err := c.fetchTiles(ctx, req.Tiles)
	if err != nil {
		return nil, err
	}

	resp := NewResponse()
	resp.MTime = fresh.mtime

	var format model.ImageFormat
	if len(req.Tiles) > 1 {
		base, err := imaging.Decode(req.Tiles[0].Data)
		if err != nil {
			return nil, err
		}
		for _, tile := range req.Tiles[1:] {
			overlay, err := imaging.Decode(tile.Data)
			if err != nil {
				return nil, err
			}
			if err := imaging.Merge(base, overlay); err != nil {
				return nil, err
			}
		}

		format = c.tileFormat(req)
		if resp.Body, err = format.Encode(base); err != nil {
			return nil, err
		}
	} else {
		resp.Body = req.Tiles[0].Data
		format = req.Tiles[0].Tileset.Format
	}

	setContentType(resp, format)
	c.setExpiry(resp, fresh.expires)
	return resp, nil
}

// tileFormat picks the encoding for merged tiles: the request override, then
// the first tileset's format, then the process default.
func (c *Core) tileFormat(req *model.GetTileRequest) model.ImageFormat {
	if req.Format != nil {
		return req.Format
	}
	if f := req.Tiles[0].Tileset.Format; f != nil {
		return f
	}
	return c.defaultFormat()
}

// fetchTiles fills every tile and folds their freshness. Any failure aborts
// the whole batch.
func (c *Core) fetchTiles(ctx context.Context, tiles []*model.Tile) (freshness, error) {
	var fresh freshness

	if c.fetchLimit <= 0 || len(tiles) < 2 {
		for _, tile := range tiles {
			if err := c.fetcher.Fetch(ctx, tile); err != nil {
				return freshness{}, err
			}
			fresh.add(tile.MTime, tile.Expires)
		}
		return fresh, nil
	}

	// Each worker writes only its own tile; the fold runs after Wait.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fetchLimit)
	for _, tile := range tiles {
		g.Go(func() error {
			return c.fetcher.Fetch(gctx, tile)
		})
	}
	if err := g.Wait(); err != nil {
		return freshness{}, err
	}
	for _, tile := range tiles {
		fresh.add(tile.MTime, tile.Expires)
	}
	return fresh, nil
}
