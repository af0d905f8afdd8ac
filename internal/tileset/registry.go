package tileset

import (
	"fmt"
	"image/png"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

	"geocache/internal/config"
	"geocache/internal/grid"
	"geocache/internal/imaging"
	"geocache/internal/model"
	"geocache/internal/source"
)

// Registry holds every named resource built from the configuration.
type Registry struct {
	tilesets map[string]*model.Tileset
	order    []string
	formats  map[string]*imaging.Format
	fmtOrder []string
	grids    map[string]*grid.Grid
	proxies  map[string]*model.Endpoint
}

// NewRegistry builds formats, grids, sources, tilesets and proxies from cfg.
func NewRegistry(cfg *config.Config, caller source.Caller, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		tilesets: make(map[string]*model.Tileset, len(cfg.Tilesets)),
		formats:  make(map[string]*imaging.Format, len(cfg.Formats)+2),
		grids:    make(map[string]*grid.Grid, len(cfg.Grids)+2),
		proxies:  make(map[string]*model.Endpoint, len(cfg.Proxies)),
	}

	r.addFormat(imaging.NewPNG(config.FormatPNG, png.DefaultCompression))
	r.addFormat(imaging.NewJPEG(config.FormatJPEG, 85))
	for _, fc := range cfg.Formats {
		r.addFormat(newFormat(fc))
	}

	r.grids[config.GridWebMercator] = grid.WebMercator()
	r.grids[config.GridWGS84] = grid.WGS84()
	for _, gc := range cfg.Grids {
		e := grid.Extent{MinX: gc.Extent[0], MinY: gc.Extent[1], MaxX: gc.Extent[2], MaxY: gc.Extent[3]}
		tw, th := gc.TileWidth, gc.TileHeight
		if tw == 0 {
			tw = 256
		}
		if th == 0 {
			th = 256
		}
		g, err := grid.New(gc.Name, gc.SRS, e, tw, th, gc.Resolutions)
		if err != nil {
			return nil, err
		}
		r.grids[g.Name] = g
	}

	sources := make(map[string]model.Source, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		sources[sc.Name] = source.NewWMS(sc, caller, logger)
	}

	for _, tc := range cfg.Tilesets {
		ts := &model.Tileset{Name: tc.Name, Expires: tc.Expires, Dimensions: dimensions(tc.Dimensions)}
		if f, ok := r.formats[tc.Format]; ok {
			ts.Format = f
		}
		if tc.Source != "" {
			src, ok := sources[tc.Source]
			if !ok {
				return nil, fmt.Errorf("tileset %s: unknown source %s", tc.Name, tc.Source)
			}
			ts.Source = src
		}
		for _, name := range tc.Grids {
			g, ok := r.grids[name]
			if !ok {
				return nil, fmt.Errorf("tileset %s: unknown grid %s", tc.Name, name)
			}
			ts.Grids = append(ts.Grids, &model.GridLink{Grid: g, MaxZoom: g.Levels() - 1})
		}
		r.tilesets[ts.Name] = ts
		r.order = append(r.order, ts.Name)
	}

	for _, pc := range cfg.Proxies {
		header := make(http.Header, len(pc.Headers))
		for k, v := range pc.Headers {
			header.Set(k, v)
		}
		r.proxies[pc.Name] = &model.Endpoint{URL: pc.URL, Header: header}
	}

	logger.Info("registry loaded",
		"tilesets", len(r.tilesets),
		"sources", len(sources),
		"grids", len(r.grids),
		"proxies", len(r.proxies),
	)
	return r, nil
}

// dimensions orders the configured axes by name so cache keys are stable.
func dimensions(m map[string]string) model.Dimensions {
	if len(m) == 0 {
		return nil
	}
	dims := make(model.Dimensions, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		dims = append(dims, model.Dimension{Name: name, Value: m[name]})
	}
	return dims
}

func newFormat(fc config.FormatConfig) *imaging.Format {
	if t := strings.ToLower(fc.Type); t == "jpeg" || t == "jpg" {
		return imaging.NewJPEG(fc.Name, fc.Quality)
	}
	level := png.DefaultCompression
	switch strings.ToLower(fc.Compression) {
	case "fast":
		level = png.BestSpeed
	case "best":
		level = png.BestCompression
	case "none":
		level = png.NoCompression
	}
	return imaging.NewPNG(fc.Name, level)
}

func (r *Registry) addFormat(f *imaging.Format) {
	r.formats[f.Name()] = f
	r.fmtOrder = append(r.fmtOrder, f.Name())
}

// Tileset returns the named tileset or a 404 error.
func (r *Registry) Tileset(name string) (*model.Tileset, error) {
	ts, ok := r.tilesets[name]
	if !ok {
		return nil, model.Errorf(http.StatusNotFound, "unknown tileset %s", name)
	}
	return ts, nil
}

// Tilesets returns all tilesets in configuration order.
func (r *Registry) Tilesets() []*model.Tileset {
	out := make([]*model.Tileset, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tilesets[name])
	}
	return out
}

// Format returns the named image format.
func (r *Registry) Format(name string) (*imaging.Format, bool) {
	f, ok := r.formats[name]
	return f, ok
}

// FormatFor resolves a request format given as a MIME type, an extension or
// a configured format name. Built-in formats win over custom ones.
func (r *Registry) FormatFor(s string) (*imaging.Format, bool) {
	if f, ok := r.formats[s]; ok {
		return f, true
	}
	want := strings.ToLower(s)
	switch want {
	case "png":
		want = "image/png"
	case "jpg", "jpeg":
		want = "image/jpeg"
	}
	for _, name := range r.fmtOrder {
		if f := r.formats[name]; f.MimeType() == want {
			return f, true
		}
	}
	return nil, false
}

// LookupFormat is FormatFor typed for consumers of model.ImageFormat.
func (r *Registry) LookupFormat(s string) (model.ImageFormat, bool) {
	f, ok := r.FormatFor(s)
	if !ok {
		return nil, false
	}
	return f, true
}

// Grid returns the named grid.
func (r *Registry) Grid(name string) (*grid.Grid, bool) {
	g, ok := r.grids[name]
	return g, ok
}

// Proxy returns the named pass-through endpoint or a 404 error.
func (r *Registry) Proxy(name string) (*model.Endpoint, error) {
	ep, ok := r.proxies[name]
	if !ok {
		return nil, model.Errorf(http.StatusNotFound, "unknown proxy %s", name)
	}
	return ep, nil
}
