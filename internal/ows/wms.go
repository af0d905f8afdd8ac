package ows

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"geocache/internal/grid"
	"geocache/internal/model"
)

const (
	// WMSVersion is the version capabilities are served in.
	WMSVersion = "1.1.1"
	wms13      = "1.3.0"

	// maxMapSize caps WIDTH and HEIGHT of a GetMap request.
	maxMapSize = 4096

	defaultInfoFormat = "text/plain"
	capabilitiesMime  = "application/vnd.ogc.wms_xml"
)

// WMS serves OGC WMS 1.1.1 and 1.3.0 GetMap, GetFeatureInfo and
// GetCapabilities requests.
type WMS struct {
	registry Registry
	opts     Options
	logger   *slog.Logger
}

// NewWMS creates the WMS protocol service.
func NewWMS(registry Registry, opts Options, logger *slog.Logger) *WMS {
	return &WMS{
		registry: registry,
		opts:     opts,
		logger:   logger.With("component", "wms"),
	}
}

// Name returns the service name used in URLs and logs.
func (s *WMS) Name() string { return "wms" }

// Parse dispatches on the REQUEST parameter.
func (s *WMS) Parse(_ string, query url.Values) (Request, error) {
	p := newParams(query)
	version := p["VERSION"]
	if version == "" {
		version = WMSVersion
	}

	switch strings.ToLower(p["REQUEST"]) {
	case "getcapabilities":
		return &model.CapabilitiesRequest{Service: s.Name(), Version: version}, nil
	case "getmap":
		return s.parseMap(p, version)
	case "getfeatureinfo":
		return s.parseFeatureInfo(p, version)
	case "":
		return nil, badRequest("wms: missing REQUEST parameter")
	}
	return nil, badRequest("wms: unsupported request %s", p["REQUEST"])
}

func (s *WMS) parseMap(p params, version string) (*model.GetMapRequest, error) {
	names := splitLayers(p["LAYERS"])
	if len(names) == 0 {
		return nil, badRequest("wms: missing LAYERS parameter")
	}
	maps, err := s.maps(p, version, names)
	if err != nil {
		return nil, err
	}

	req := &model.GetMapRequest{
		Maps:     maps,
		Strategy: s.opts.Strategy,
		Resample: s.opts.Resample,
		Format:   s.opts.GetMapFormat,
	}
	if name := p["FORMAT"]; name != "" {
		f, ok := s.registry.FormatFor(name)
		if !ok {
			return nil, badRequest("wms: unsupported image format %s", name)
		}
		req.Format = f
	}
	return req, nil
}

func (s *WMS) parseFeatureInfo(p params, version string) (*model.FeatureInfoRequest, error) {
	name := p["QUERY_LAYERS"]
	if name == "" {
		name = p["LAYERS"]
	}
	names := splitLayers(name)
	switch len(names) {
	case 0:
		return nil, badRequest("wms: missing QUERY_LAYERS parameter")
	case 1:
	default:
		return nil, badRequest("wms: feature info supports a single query layer, got %d", len(names))
	}

	maps, err := s.maps(p, version, names)
	if err != nil {
		return nil, err
	}
	m := maps[0]

	xKey, yKey := "X", "Y"
	if version == wms13 {
		xKey, yKey = "I", "J"
	}
	i, errI := strconv.Atoi(p[xKey])
	j, errJ := strconv.Atoi(p[yKey])
	if errI != nil || errJ != nil {
		return nil, badRequest("wms: invalid or missing %s/%s parameters", xKey, yKey)
	}
	if i < 0 || i >= m.Width || j < 0 || j >= m.Height {
		return nil, badRequest("wms: %s/%s (%d,%d) outside the %dx%d map", xKey, yKey, i, j, m.Width, m.Height)
	}

	format := p["INFO_FORMAT"]
	if format == "" {
		format = defaultInfoFormat
	}
	return &model.FeatureInfoRequest{Info: &model.FeatureInfo{Map: *m, I: i, J: j, Format: format}}, nil
}

// maps builds one map per layer sharing the request's extent, size and SRS.
func (s *WMS) maps(p params, version string, names []string) ([]*model.Map, error) {
	extent, err := parseBBox(p["BBOX"])
	if err != nil {
		return nil, err
	}
	width, errW := strconv.Atoi(p["WIDTH"])
	height, errH := strconv.Atoi(p["HEIGHT"])
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return nil, badRequest("wms: invalid or missing WIDTH/HEIGHT")
	}
	if width > maxMapSize || height > maxMapSize {
		return nil, badRequest("wms: requested size %dx%d exceeds %dx%d", width, height, maxMapSize, maxMapSize)
	}

	srs := p["SRS"]
	if version == wms13 || srs == "" {
		if crs := p["CRS"]; crs != "" {
			srs = crs
		}
	}
	if srs == "" {
		return nil, badRequest("wms: missing SRS parameter")
	}
	// WMS 1.3.0 uses latitude-first axis order for geographic EPSG:4326.
	if version == wms13 && strings.EqualFold(srs, "EPSG:4326") {
		extent = grid.Extent{MinX: extent.MinY, MinY: extent.MinX, MaxX: extent.MaxY, MaxY: extent.MaxX}
	}

	maps := make([]*model.Map, 0, len(names))
	for _, name := range names {
		ts, err := s.registry.Tileset(name)
		if err != nil {
			return nil, err
		}
		gl := gridLinkForSRS(ts, srs)
		if gl == nil {
			return nil, badRequest("wms: tileset %s is not available in %s", name, srs)
		}
		maps = append(maps, &model.Map{
			Tileset:    ts,
			GridLink:   gl,
			Extent:     extent,
			Width:      width,
			Height:     height,
			Dimensions: dimensions(ts, p),
		})
	}
	return maps, nil
}

func parseBBox(s string) (grid.Extent, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return grid.Extent{}, badRequest("wms: BBOX must have 4 comma-separated values, got %q", s)
	}
	var v [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return grid.Extent{}, badRequest("wms: invalid BBOX value %q", part)
		}
		v[i] = f
	}
	e := grid.Extent{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}
	if !e.Valid() {
		return grid.Extent{}, badRequest("wms: BBOX %s has no area", e)
	}
	return e, nil
}

func gridLinkForSRS(ts *model.Tileset, srs string) *model.GridLink {
	for _, gl := range ts.Grids {
		if strings.EqualFold(gl.Grid.SRS, srs) {
			return gl
		}
	}
	return nil
}

type wmsCapabilities struct {
	XMLName    xml.Name      `xml:"WMT_MS_Capabilities"`
	Version    string        `xml:"version,attr"`
	Service    wmsService    `xml:"Service"`
	Capability wmsCapability `xml:"Capability"`
}

type wmsService struct {
	Name           string            `xml:"Name"`
	Title          string            `xml:"Title"`
	OnlineResource wmsOnlineResource `xml:"OnlineResource"`
}

type wmsOnlineResource struct {
	XLink string `xml:"xmlns:xlink,attr"`
	Type  string `xml:"xlink:type,attr"`
	Href  string `xml:"xlink:href,attr"`
}

type wmsCapability struct {
	Request   wmsRequests `xml:"Request"`
	Exception []string    `xml:"Exception>Format"`
	Layer     wmsLayer    `xml:"Layer"`
}

type wmsRequests struct {
	GetCapabilities wmsOperation `xml:"GetCapabilities"`
	GetMap          wmsOperation `xml:"GetMap"`
	GetFeatureInfo  wmsOperation `xml:"GetFeatureInfo"`
}

type wmsOperation struct {
	Formats []string          `xml:"Format"`
	Get     wmsOnlineResource `xml:"DCPType>HTTP>Get>OnlineResource"`
}

type wmsLayer struct {
	Queryable   int              `xml:"queryable,attr,omitempty"`
	Name        string           `xml:"Name,omitempty"`
	Title       string           `xml:"Title"`
	SRS         []string         `xml:"SRS"`
	BoundingBox []wmsBoundingBox `xml:"BoundingBox"`
	Dimensions  []wmsDimension   `xml:"Dimension"`
	Extents     []wmsExtent      `xml:"Extent"`
	Layers      []wmsLayer       `xml:"Layer"`
}

type wmsBoundingBox struct {
	SRS  string  `xml:"SRS,attr"`
	MinX float64 `xml:"minx,attr"`
	MinY float64 `xml:"miny,attr"`
	MaxX float64 `xml:"maxx,attr"`
	MaxY float64 `xml:"maxy,attr"`
}

type wmsDimension struct {
	Name  string `xml:"name,attr"`
	Units string `xml:"units,attr"`
}

type wmsExtent struct {
	Name    string `xml:"name,attr"`
	Default string `xml:"default,attr"`
}

func onlineResource(href string) wmsOnlineResource {
	return wmsOnlineResource{XLink: "http://www.w3.org/1999/xlink", Type: "simple", Href: href}
}

// BuildCapabilities renders a WMS 1.1.1 capabilities document listing every
// tileset as a layer.
func (s *WMS) BuildCapabilities(_ context.Context, _ *model.CapabilitiesRequest, baseURL, _ string) (*model.Capabilities, error) {
	endpoint := joinURL(baseURL, "wms?")
	get := onlineResource(endpoint)

	root := wmsLayer{Title: s.opts.Title}
	var infoFormats []string
	for _, ts := range s.registry.Tilesets() {
		layer := wmsLayer{Name: ts.Name, Title: ts.Name}
		if ts.Source != nil && len(ts.Source.InfoFormats()) > 0 {
			layer.Queryable = 1
			for _, f := range ts.Source.InfoFormats() {
				if !slices.Contains(infoFormats, f) {
					infoFormats = append(infoFormats, f)
				}
			}
		}
		for _, gl := range ts.Grids {
			g := gl.Grid
			if !slices.Contains(layer.SRS, g.SRS) {
				layer.SRS = append(layer.SRS, g.SRS)
				layer.BoundingBox = append(layer.BoundingBox, wmsBoundingBox{
					SRS: g.SRS, MinX: g.Extent.MinX, MinY: g.Extent.MinY, MaxX: g.Extent.MaxX, MaxY: g.Extent.MaxY,
				})
			}
			if !slices.Contains(root.SRS, g.SRS) {
				root.SRS = append(root.SRS, g.SRS)
			}
		}
		for _, d := range ts.Dimensions {
			layer.Dimensions = append(layer.Dimensions, wmsDimension{Name: strings.ToLower(d.Name)})
			layer.Extents = append(layer.Extents, wmsExtent{Name: strings.ToLower(d.Name), Default: d.Value})
		}
		root.Layers = append(root.Layers, layer)
	}

	caps := wmsCapabilities{
		Version: WMSVersion,
		Service: wmsService{Name: "OGC:WMS", Title: s.opts.Title, OnlineResource: onlineResource(baseURL)},
		Capability: wmsCapability{
			Request: wmsRequests{
				GetCapabilities: wmsOperation{Formats: []string{capabilitiesMime}, Get: get},
				GetMap:          wmsOperation{Formats: []string{"image/png", "image/jpeg"}, Get: get},
				GetFeatureInfo:  wmsOperation{Formats: infoFormats, Get: get},
			},
			Exception: []string{"text/plain"},
			Layer:     root,
		},
	}

	out, err := xml.MarshalIndent(caps, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("wms: marshal capabilities: %w", err)
	}
	return &model.Capabilities{Document: xml.Header + string(out), MimeType: capabilitiesMime}, nil
}
