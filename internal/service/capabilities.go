package service

import (
	"context"
	"net/http"

	"geocache/internal/model"
)

// CapabilitiesBuilder produces a service's capabilities document. url is the
// public base URL of the request and pathInfo the path below the service root.
type CapabilitiesBuilder interface {
	BuildCapabilities(ctx context.Context, req *model.CapabilitiesRequest, url, pathInfo string) (*model.Capabilities, error)
}

// GetCapabilities asks builder for its document and wraps it in a response.
func (c *Core) GetCapabilities(ctx context.Context, builder CapabilitiesBuilder, req *model.CapabilitiesRequest, url, pathInfo string) (*model.Response, error) {
	caps, err := builder.BuildCapabilities(ctx, req, url, pathInfo)
	if err != nil {
		return nil, err
	}
	if caps == nil || caps.Document == "" {
		return nil, model.Errorf(http.StatusInternalServerError, "%s service produced no capabilities", req.Service)
	}

	resp := NewResponse()
	resp.Body = []byte(caps.Document)
	mime := caps.MimeType
	if mime == "" {
		mime = "text/xml"
	}
	resp.Header.Set("Content-Type", mime)
	return resp, nil
}
