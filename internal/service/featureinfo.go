package service

import (
	"context"
	"net/http"
	"slices"

	"geocache/internal/model"
)

// QueryFeatureInfo forwards a feature-info query to the tileset's source.
func (c *Core) QueryFeatureInfo(ctx context.Context, req *model.FeatureInfoRequest) (*model.Response, error) {
	fi := req.Info
	ts := fi.Map.Tileset

	if ts.Source == nil {
		return nil, model.Errorf(http.StatusNotFound, "cannot query tileset %s: no source defined", ts.Name)
	}
	formats := ts.Source.InfoFormats()
	if len(formats) == 0 {
		return nil, model.Errorf(http.StatusNotFound, "tileset %s does not support feature info requests", ts.Name)
	}
	if !slices.Contains(formats, fi.Format) {
		return nil, model.Errorf(http.StatusNotFound, "unsupported feature info format %s", fi.Format)
	}

	if err := ts.Source.QueryFeatureInfo(ctx, fi); err != nil {
		return nil, err
	}

	resp := NewResponse()
	resp.Body = fi.Map.Data
	resp.Header.Set("Content-Type", fi.Format)
	return resp, nil
}
