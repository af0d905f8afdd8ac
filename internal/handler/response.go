package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"geocache/internal/model"
)

// hopByHopHeaders are meaningful for a single connection only and are never
// relayed from an upstream response.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// writeResponse sends resp, answering conditional requests with 304 when the
// resource has not changed since If-Modified-Since.
func writeResponse(c echo.Context, resp *model.Response) error {
	w := c.Response()
	for key, vals := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}

	if !resp.MTime.IsZero() {
		mtime := resp.MTime.UTC().Truncate(time.Second)
		w.Header().Set("Last-Modified", mtime.Format(http.TimeFormat))
		if resp.Code == http.StatusOK && notModified(c.Request(), mtime) {
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Code)
	_, err := w.Write(resp.Body)
	return err
}

func notModified(r *http.Request, mtime time.Time) bool {
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !mtime.After(t)
}
