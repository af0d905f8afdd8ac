package ows

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"geocache/internal/model"
)

// TMSVersion is the only Tile Map Service version served.
const TMSVersion = "1.0.0"

// TMS serves /tms/1.0.0/<layer[,layer]>@<grid>/<z>/<x>/<y>.<ext>.
type TMS struct {
	registry Registry
	opts     Options
	logger   *slog.Logger
}

// NewTMS creates the TMS protocol service.
func NewTMS(registry Registry, opts Options, logger *slog.Logger) *TMS {
	return &TMS{
		registry: registry,
		opts:     opts,
		logger:   logger.With("component", "tms"),
	}
}

// Name returns the service name used in URLs and logs.
func (s *TMS) Name() string { return "tms" }

// Parse turns the path below /tms into a tile or capabilities request.
func (s *TMS) Parse(pathInfo string, query url.Values) (Request, error) {
	parts := strings.FieldsFunc(pathInfo, func(r rune) bool { return r == '/' })

	if len(parts) == 0 {
		return &model.CapabilitiesRequest{Service: s.Name()}, nil
	}
	if parts[0] != TMSVersion {
		return nil, notFound("tms: unsupported version %s", parts[0])
	}

	switch len(parts) {
	case 1, 2:
		req := &model.CapabilitiesRequest{Service: s.Name(), Version: TMSVersion}
		if len(parts) == 2 {
			req.Params = map[string]string{"layer": parts[1]}
		}
		return req, nil
	case 5:
		return s.parseTile(parts[1], parts[2], parts[3], parts[4], newParams(query))
	}
	return nil, notFound("tms: malformed request path %s", pathInfo)
}

func (s *TMS) parseTile(layerSpec, zs, xs, yfile string, p params) (*model.GetTileRequest, error) {
	layers, gridName, ok := strings.Cut(layerSpec, "@")
	if !ok || gridName == "" {
		return nil, badRequest("tms: layer %s does not name a grid (expected <layer>@<grid>)", layerSpec)
	}
	ys, ext, _ := strings.Cut(yfile, ".")

	z, errZ := strconv.Atoi(zs)
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if errZ != nil || errX != nil || errY != nil {
		return nil, badRequest("tms: invalid tile coordinates %s/%s/%s", zs, xs, ys)
	}

	names := splitLayers(layers)
	if len(names) == 0 {
		return nil, badRequest("tms: no layer given")
	}

	req := &model.GetTileRequest{Tiles: make([]*model.Tile, 0, len(names))}
	if ext != "" {
		f, ok := s.registry.FormatFor(ext)
		if !ok {
			return nil, badRequest("tms: unsupported image extension %s", ext)
		}
		req.Format = f
	}

	for _, name := range names {
		ts, err := s.registry.Tileset(name)
		if err != nil {
			return nil, err
		}
		gl := ts.GridLink(gridName)
		if gl == nil {
			return nil, badRequest("tms: tileset %s is not available on grid %s", name, gridName)
		}
		if z < gl.MinZoom || z > gl.MaxZoom {
			return nil, notFound("tms: zoom level %d is outside tileset %s", z, name)
		}
		if !gl.Grid.Contains(x, y, z) {
			return nil, notFound("tms: tile %d/%d/%d is outside grid %s", z, x, y, gridName)
		}
		req.Tiles = append(req.Tiles, &model.Tile{
			Tileset:    ts,
			GridLink:   gl,
			X:          x,
			Y:          y,
			Z:          z,
			Dimensions: dimensions(ts, p),
		})
	}
	return req, nil
}

type tmsServices struct {
	XMLName        xml.Name      `xml:"Services"`
	TileMapService tmsServiceRef `xml:"TileMapService"`
}

type tmsServiceRef struct {
	Title   string `xml:"title,attr"`
	Version string `xml:"version,attr"`
	Href    string `xml:"href,attr"`
}

type tmsService struct {
	XMLName  xml.Name     `xml:"TileMapService"`
	Version  string       `xml:"version,attr"`
	Title    string       `xml:"Title"`
	Abstract string       `xml:"Abstract"`
	TileMaps []tmsMapLink `xml:"TileMaps>TileMap"`
}

type tmsMapLink struct {
	Title   string `xml:"title,attr"`
	SRS     string `xml:"srs,attr"`
	Profile string `xml:"profile,attr"`
	Href    string `xml:"href,attr"`
}

type tmsMap struct {
	XMLName        xml.Name       `xml:"TileMap"`
	Version        string         `xml:"version,attr"`
	TileMapService string         `xml:"tilemapservice,attr"`
	Title          string         `xml:"Title"`
	Abstract       string         `xml:"Abstract"`
	SRS            string         `xml:"SRS"`
	BoundingBox    tmsBoundingBox `xml:"BoundingBox"`
	Origin         tmsOrigin      `xml:"Origin"`
	TileFormat     tmsTileFormat  `xml:"TileFormat"`
	TileSets       tmsTileSets    `xml:"TileSets"`
}

type tmsBoundingBox struct {
	MinX float64 `xml:"minx,attr"`
	MinY float64 `xml:"miny,attr"`
	MaxX float64 `xml:"maxx,attr"`
	MaxY float64 `xml:"maxy,attr"`
}

type tmsOrigin struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
}

type tmsTileFormat struct {
	Width     int    `xml:"width,attr"`
	Height    int    `xml:"height,attr"`
	MimeType  string `xml:"mime-type,attr"`
	Extension string `xml:"extension,attr"`
}

type tmsTileSets struct {
	Profile  string       `xml:"profile,attr"`
	TileSets []tmsTileSet `xml:"TileSet"`
}

type tmsTileSet struct {
	Href          string  `xml:"href,attr"`
	UnitsPerPixel float64 `xml:"units-per-pixel,attr"`
	Order         int     `xml:"order,attr"`
}

// BuildCapabilities renders the service root, the TileMapService listing or
// a single TileMap document, depending on how deep pathInfo goes.
func (s *TMS) BuildCapabilities(_ context.Context, req *model.CapabilitiesRequest, baseURL, _ string) (*model.Capabilities, error) {
	root := joinURL(baseURL, "tms/"+TMSVersion+"/")

	var doc any
	switch {
	case req.Version == "":
		doc = tmsServices{TileMapService: tmsServiceRef{Title: s.opts.Title, Version: TMSVersion, Href: root}}
	case req.Params["layer"] == "":
		svc := tmsService{Version: TMSVersion, Title: s.opts.Title}
		for _, ts := range s.registry.Tilesets() {
			for _, gl := range ts.Grids {
				svc.TileMaps = append(svc.TileMaps, tmsMapLink{
					Title:   ts.Name,
					SRS:     gl.Grid.SRS,
					Profile: "none",
					Href:    root + ts.Name + "@" + gl.Grid.Name,
				})
			}
		}
		doc = svc
	default:
		m, err := s.tileMap(req.Params["layer"], root)
		if err != nil {
			return nil, err
		}
		doc = m
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("tms: marshal capabilities: %w", err)
	}
	return &model.Capabilities{Document: xml.Header + string(out), MimeType: "text/xml"}, nil
}

func (s *TMS) tileMap(layerSpec, root string) (*tmsMap, error) {
	name, gridName, ok := strings.Cut(layerSpec, "@")
	if !ok {
		return nil, badRequest("tms: layer %s does not name a grid (expected <layer>@<grid>)", layerSpec)
	}
	ts, err := s.registry.Tileset(name)
	if err != nil {
		return nil, err
	}
	gl := ts.GridLink(gridName)
	if gl == nil {
		return nil, notFound("tms: tileset %s is not available on grid %s", name, gridName)
	}

	g := gl.Grid
	href := root + layerSpec
	m := &tmsMap{
		Version:        TMSVersion,
		TileMapService: root,
		Title:          ts.Name,
		SRS:            g.SRS,
		BoundingBox:    tmsBoundingBox{MinX: g.Extent.MinX, MinY: g.Extent.MinY, MaxX: g.Extent.MaxX, MaxY: g.Extent.MaxY},
		Origin:         tmsOrigin{X: g.Extent.MinX, Y: g.Extent.MinY},
		TileFormat:     tmsTileFormat{Width: g.TileWidth, Height: g.TileHeight},
		TileSets:       tmsTileSets{Profile: "none"},
	}
	if ts.Format != nil {
		m.TileFormat.MimeType = ts.Format.MimeType()
		if f, ok := s.registry.FormatFor(ts.Format.Name()); ok {
			m.TileFormat.Extension = f.Extension()
		}
	}
	for z := gl.MinZoom; z <= gl.MaxZoom; z++ {
		m.TileSets.TileSets = append(m.TileSets.TileSets, tmsTileSet{
			Href:          href + "/" + strconv.Itoa(z),
			UnitsPerPixel: g.Resolutions[z],
			Order:         z,
		})
	}
	return m, nil
}
