package model

import (
	"net/http"
	"net/url"
	"strings"
)

// Endpoint describes a fixed upstream HTTP service: a base URL plus the
// headers sent with every call.
type Endpoint struct {
	URL    string
	Header http.Header
}

// Clone returns a deep copy so per-request changes never leak into the
// shared configuration.
func (e *Endpoint) Clone() *Endpoint {
	return &Endpoint{
		URL:    e.URL,
		Header: e.Header.Clone(),
	}
}

// WithPath returns a copy of e whose URL has pathInfo appended, inserting a
// separating slash only when neither side already supplies one.
func (e *Endpoint) WithPath(pathInfo string) *Endpoint {
	c := e.Clone()
	if strings.HasPrefix(pathInfo, "/") || strings.HasSuffix(c.URL, "/") {
		c.URL += pathInfo
	} else {
		c.URL += "/" + pathInfo
	}
	return c
}

// ProxyRequest is a transparent pass-through to a configured endpoint.
type ProxyRequest struct {
	Endpoint *Endpoint
	PathInfo string
	Params   url.Values
}
