package service

import (
	"bytes"
	"context"
	"net/http"

	"geocache/internal/model"
)

// proxyBufferSize is the initial capacity of the relay buffer.
const proxyBufferSize = 30000

// Proxy relays a request to a fixed upstream endpoint. Upstream error
// statuses are relayed to the client as they are. Failing to reach the
// upstream, or failing to read a successful reply in full, is an error.
func (c *Core) Proxy(ctx context.Context, req *model.ProxyRequest) (*model.Response, error) {
	ep := req.Endpoint
	if req.PathInfo != "" {
		ep = ep.WithPath(req.PathInfo)
	}

	buf := bytes.NewBuffer(make([]byte, 0, proxyBufferSize))
	status, header, err := c.caller.Call(ctx, ep, req.Params, buf)
	if status == 0 {
		if err == nil {
			err = model.Errorf(http.StatusBadGateway, "upstream %s returned no status", ep.URL)
		}
		return nil, err
	}
	if err != nil {
		if status < http.StatusBadRequest {
			// The status promised a complete body that never arrived.
			c.logger.Warn("incomplete upstream reply", "url", ep.URL, "status", status, "error", err)
			return nil, model.Errorf(http.StatusBadGateway, "upstream %s: %v", ep.URL, err)
		}
		c.logger.Debug("relaying upstream error", "url", ep.URL, "status", status, "error", err)
	}

	resp := NewResponse()
	resp.Code = status
	resp.Body = buf.Bytes()
	for k, vs := range header {
		for _, v := range vs {
			resp.Header.Add(k, v)
		}
	}
	return resp, nil
}
