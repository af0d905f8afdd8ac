// Package source implements upstream map sources: services that render an
// arbitrary extent on demand and may answer feature-info queries.
package source

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"geocache/internal/config"
	"geocache/internal/imaging"
	"geocache/internal/model"
)

// initialBufferSize is sized for a typical 256x256 PNG tile.
const initialBufferSize = 64 * 1024

// Caller performs upstream HTTP calls. *client.UpstreamClient satisfies it.
type Caller interface {
	Call(ctx context.Context, ep *model.Endpoint, params url.Values, buf *bytes.Buffer) (int, http.Header, error)
}

// WMS renders maps through an OGC WMS 1.1.1 GetMap endpoint.
type WMS struct {
	name        string
	endpoint    *model.Endpoint
	params      url.Values
	infoFormats []string
	caller      Caller
	logger      *slog.Logger
}

// NewWMS builds a WMS source from its config entry.
func NewWMS(cfg config.SourceConfig, caller Caller, logger *slog.Logger) *WMS {
	header := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	params := make(url.Values, len(cfg.Params))
	for k, v := range cfg.Params {
		params.Set(strings.ToUpper(k), v)
	}
	return &WMS{
		name:        cfg.Name,
		endpoint:    &model.Endpoint{URL: cfg.URL, Header: header},
		params:      params,
		infoFormats: cfg.InfoFormats,
		caller:      caller,
		logger:      logger.With("component", "wms_source", "source", cfg.Name),
	}
}

// Name returns the configured source name.
func (w *WMS) Name() string { return w.name }

// InfoFormats returns the feature-info formats the source declares, or nil.
func (w *WMS) InfoFormats() []string { return w.infoFormats }

// RenderMap fetches m's extent from the upstream into m.Data.
func (w *WMS) RenderMap(ctx context.Context, m *model.Map) error {
	params := w.mapParams(m, "GetMap")
	if !has(params, "TRANSPARENT") {
		params.Set("TRANSPARENT", "TRUE")
	}
	mime := "image/png"
	if m.Tileset != nil && m.Tileset.Format != nil {
		mime = m.Tileset.Format.MimeType()
	}
	params.Set("FORMAT", mime)

	buf := bytes.NewBuffer(make([]byte, 0, initialBufferSize))
	_, header, err := w.caller.Call(ctx, w.endpoint, params, buf)
	if err != nil {
		return err
	}
	if imaging.Sniff(buf.Bytes()) == imaging.Unknown {
		return model.Errorf(http.StatusBadGateway, "source %s returned a non-image response (content-type %q): %s",
			w.name, header.Get("Content-Type"), excerpt(buf.Bytes()))
	}

	w.logger.Debug("rendered map",
		"bbox", m.Extent.String(),
		"width", m.Width,
		"height", m.Height,
		"bytes", buf.Len(),
	)
	m.Data = buf.Bytes()
	return nil
}

// QueryFeatureInfo runs a GetFeatureInfo request, storing the reply in
// fi.Map.Data.
func (w *WMS) QueryFeatureInfo(ctx context.Context, fi *model.FeatureInfo) error {
	params := w.mapParams(&fi.Map, "GetFeatureInfo")
	if !has(params, "QUERY_LAYERS") {
		params.Set("QUERY_LAYERS", params.Get("LAYERS"))
	}
	params.Set("INFO_FORMAT", fi.Format)
	params.Set("X", strconv.Itoa(fi.I))
	params.Set("Y", strconv.Itoa(fi.J))

	buf := bytes.NewBuffer(make([]byte, 0, 4096))
	if _, _, err := w.caller.Call(ctx, w.endpoint, params, buf); err != nil {
		return err
	}
	fi.Map.Data = buf.Bytes()
	return nil
}

func (w *WMS) mapParams(m *model.Map, request string) url.Values {
	params := make(url.Values, len(w.params)+10)
	params.Set("SERVICE", "WMS")
	params.Set("VERSION", "1.1.1")
	params.Set("STYLES", "")
	for k, v := range w.params {
		params[k] = append([]string(nil), v...)
	}
	params.Set("REQUEST", request)
	params.Set("BBOX", m.Extent.String())
	params.Set("WIDTH", strconv.Itoa(m.Width))
	params.Set("HEIGHT", strconv.Itoa(m.Height))
	if m.GridLink != nil {
		params.Set("SRS", m.GridLink.Grid.SRS)
	}
	for _, d := range m.Dimensions {
		params.Set(dimensionParam(d.Name), d.Value)
	}
	return params
}

// dimensionParam maps a dimension onto its WMS 1.1.1 request parameter.
func dimensionParam(name string) string {
	upper := strings.ToUpper(name)
	if upper == "TIME" || upper == "ELEVATION" {
		return upper
	}
	return "DIM_" + upper
}

func has(v url.Values, key string) bool {
	_, ok := v[key]
	return ok
}

func excerpt(b []byte) string {
	const limit = 200
	if len(b) > limit {
		b = b[:limit]
	}
	return strings.TrimSpace(string(b))
}
