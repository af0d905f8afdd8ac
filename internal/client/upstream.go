// Package client provides the HTTP client used for every upstream call:
// source renders, feature-info queries and transparent proxying.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"geocache/internal/config"
	"geocache/internal/metrics"
	"geocache/internal/model"
)

const userAgent = "geocache/1.0"

// UpstreamClient sends requests to upstream map services.
type UpstreamClient struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxBody := cfg.Upstream.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 * 1024 * 1024
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:       logger.With("component", "upstream_client"),
		metrics:      m,
		maxBodyBytes: maxBody,
	}
}

// Call performs a GET against ep with params merged into its query string
// and appends the response body to buf.
//
// The returned status is 0 when the upstream could not be reached. When the
// upstream answers with a status >= 400, Call returns that status, the
// response headers and an error; buf still holds the upstream body.
func (c *UpstreamClient) Call(ctx context.Context, ep *model.Endpoint, params url.Values, buf *bytes.Buffer) (int, http.Header, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return 0, nil, model.Errorf(http.StatusInternalServerError, "invalid upstream url %q: %v", ep.URL, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q[k] = v
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return 0, nil, model.Errorf(http.StatusInternalServerError, "build upstream request: %v", err)
	}
	if ep.Header != nil {
		req.Header = ep.Header.Clone()
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	c.logger.Debug("upstream request",
		"host", u.Host,
		"path", u.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
	}
	if err != nil {
		return 0, nil, model.Errorf(http.StatusBadGateway, "failed to reach upstream %s: %v", u.Host, unwrapURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()
	}

	n, err := io.Copy(buf, io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return resp.StatusCode, resp.Header, model.Errorf(http.StatusBadGateway, "failed to read response from %s: %v", u.Host, err)
	}
	if n > c.maxBodyBytes {
		return resp.StatusCode, resp.Header, model.Errorf(http.StatusBadGateway, "response from %s exceeds %d bytes", u.Host, c.maxBodyBytes)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, resp.Header, model.Errorf(http.StatusBadGateway, "upstream %s returned status %d", u.Host, resp.StatusCode)
	}
	return resp.StatusCode, resp.Header, nil
}

// unwrapURLError drops the *url.Error wrapper, whose message repeats the
// full request URL including query parameters.
func unwrapURLError(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}
