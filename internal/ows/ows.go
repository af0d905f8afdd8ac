// Package ows parses the OGC-style protocol requests served by geocache
// (TMS and WMS) into typed pipeline requests, and builds their capabilities
// documents.
package ows

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"geocache/internal/config"
	"geocache/internal/grid"
	"geocache/internal/imaging"
	"geocache/internal/model"
)

// Registry resolves the named resources a request may reference.
// *tileset.Registry satisfies it.
type Registry interface {
	Tileset(name string) (*model.Tileset, error)
	Tilesets() []*model.Tileset
	FormatFor(s string) (*imaging.Format, bool)
}

// Options are the process-wide parsing defaults.
type Options struct {
	Strategy     model.GetMapStrategy
	Resample     grid.ResampleMode
	GetMapFormat model.ImageFormat
	Title        string
}

// NewOptions resolves the service section of the config.
func NewOptions(cfg config.ServiceConfig, reg Registry) (Options, error) {
	strategy, err := model.ParseGetMapStrategy(cfg.GetMapStrategy)
	if err != nil {
		return Options{}, err
	}
	resample, err := grid.ParseResampleMode(cfg.ResampleMode)
	if err != nil {
		return Options{}, err
	}
	format, ok := reg.FormatFor(cfg.GetMapFormat)
	if !ok {
		return Options{}, fmt.Errorf("unknown getmap format %q", cfg.GetMapFormat)
	}
	return Options{
		Strategy:     strategy,
		Resample:     resample,
		GetMapFormat: format,
		Title:        "geocache",
	}, nil
}

// params is a query string with upper-cased keys; OGC parameter names are
// case-insensitive.
type params map[string]string

func newParams(q url.Values) params {
	p := make(params, len(q))
	for k, vs := range q {
		if len(vs) > 0 {
			p[strings.ToUpper(k)] = vs[0]
		}
	}
	return p
}

// dimensions resolves every dimension the tileset declares from the query,
// falling back to the declared default.
func dimensions(ts *model.Tileset, p params) model.Dimensions {
	if len(ts.Dimensions) == 0 {
		return nil
	}
	dims := make(model.Dimensions, len(ts.Dimensions))
	for i, d := range ts.Dimensions {
		dims[i] = d
		if v, ok := p[strings.ToUpper(d.Name)]; ok && v != "" {
			dims[i].Value = v
		}
	}
	return dims
}

// splitLayers splits a comma-separated layer list, dropping empty names.
func splitLayers(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// joinURL appends path to base with exactly one separating slash.
func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

func badRequest(format string, args ...any) error {
	return model.Errorf(http.StatusBadRequest, format, args...)
}

func notFound(format string, args ...any) error {
	return model.Errorf(http.StatusNotFound, format, args...)
}

// Request is the parsed form of a protocol request: one of
// *model.GetTileRequest, *model.GetMapRequest, *model.FeatureInfoRequest or
// *model.CapabilitiesRequest.
type Request any
