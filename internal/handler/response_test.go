package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"geocache/internal/model"
)

func TestWriteResponse(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 500, time.UTC)

	tests := []struct {
		name         string
		code         int
		ims          string
		wantStatus   int
		wantBody     string
		wantModified string
	}{
		{"no condition", http.StatusOK, "", http.StatusOK, "data", "Fri, 01 Mar 2024 10:00:00 GMT"},
		{"not modified", http.StatusOK, "Fri, 01 Mar 2024 10:00:00 GMT", http.StatusNotModified, "", "Fri, 01 Mar 2024 10:00:00 GMT"},
		{"modified since", http.StatusOK, "Fri, 01 Mar 2024 09:00:00 GMT", http.StatusOK, "data", "Fri, 01 Mar 2024 10:00:00 GMT"},
		{"bad condition", http.StatusOK, "yesterday", http.StatusOK, "data", "Fri, 01 Mar 2024 10:00:00 GMT"},
		{"errors ignore condition", http.StatusNotFound, "Fri, 01 Mar 2024 10:00:00 GMT", http.StatusNotFound, "data", "Fri, 01 Mar 2024 10:00:00 GMT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.ims != "" {
				req.Header.Set("If-Modified-Since", tt.ims)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			resp := &model.Response{
				Code: tt.code,
				Header: http.Header{
					"Content-Type":      {"image/png"},
					"Connection":        {"close"},
					"Transfer-Encoding": {"chunked"},
					"X-Upstream":        {"a", "b"},
				},
				Body:  []byte("data"),
				MTime: mtime,
			}
			if err := writeResponse(c, resp); err != nil {
				t.Fatalf("writeResponse() error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if got := rec.Header().Get("Last-Modified"); got != tt.wantModified {
				t.Errorf("Last-Modified = %q, want %q", got, tt.wantModified)
			}
			if rec.Header().Get("Connection") != "" || rec.Header().Get("Transfer-Encoding") != "" {
				t.Errorf("hop-by-hop headers relayed: %v", rec.Header())
			}
			if got := rec.Header().Values("X-Upstream"); len(got) != 2 {
				t.Errorf("X-Upstream = %v, want both values", got)
			}
		})
	}
}

func TestWriteResponse_NoMTime(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("If-Modified-Since", "Fri, 01 Mar 2024 10:00:00 GMT")
	rec := httptest.NewRecorder()

	resp := &model.Response{Code: http.StatusOK, Header: http.Header{}, Body: []byte("caps")}
	if err := writeResponse(e.NewContext(req, rec), resp); err != nil {
		t.Fatalf("writeResponse() error = %v", err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("Last-Modified") != "" {
		t.Errorf("status = %d, Last-Modified = %q", rec.Code, rec.Header().Get("Last-Modified"))
	}
}
