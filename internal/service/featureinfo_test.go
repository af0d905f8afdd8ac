package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"geocache/internal/model"
)

func TestQueryFeatureInfo(t *testing.T) {
	queryErr := model.Errorf(http.StatusBadGateway, "upstream down")

	tests := []struct {
		name     string
		source   model.Source
		format   string
		wantCode int
		wantMsg  string
		wantBody string
	}{
		{
			name:     "no source",
			format:   "text/plain",
			wantCode: http.StatusNotFound,
			wantMsg:  "cannot query tileset roads: no source defined",
		},
		{
			name:     "no info formats",
			source:   &fakeSource{},
			format:   "text/plain",
			wantCode: http.StatusNotFound,
			wantMsg:  "tileset roads does not support feature info requests",
		},
		{
			name:     "unsupported format",
			source:   &fakeSource{formats: []string{"text/html"}},
			format:   "application/json",
			wantCode: http.StatusNotFound,
			wantMsg:  "unsupported feature info format application/json",
		},
		{
			name:     "query error",
			source:   &fakeSource{formats: []string{"text/plain"}, err: queryErr},
			format:   "text/plain",
			wantCode: http.StatusBadGateway,
			wantMsg:  queryErr.Message,
		},
		{
			name:     "success",
			source:   &fakeSource{formats: []string{"text/html", "application/json"}, info: `{"name":"Main St"}`},
			format:   "application/json",
			wantCode: http.StatusOK,
			wantBody: `{"name":"Main St"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCore(t, nil, nil, nil)
			fi := &model.FeatureInfo{
				Map:    *mapFor(&model.Tileset{Name: "roads", Source: tt.source}),
				I:      1,
				J:      2,
				Format: tt.format,
			}
			resp, err := c.QueryFeatureInfo(context.Background(), &model.FeatureInfoRequest{Info: fi})
			if tt.wantCode != http.StatusOK {
				var e *model.Error
				if !errors.As(err, &e) {
					t.Fatalf("error = %v, want *model.Error", err)
				}
				if e.Code != tt.wantCode || e.Message != tt.wantMsg {
					t.Errorf("error = %d %q, want %d %q", e.Code, e.Message, tt.wantCode, tt.wantMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("QueryFeatureInfo() error = %v", err)
			}
			if string(resp.Body) != tt.wantBody {
				t.Errorf("Body = %q, want %q", resp.Body, tt.wantBody)
			}
			if ct := resp.Header.Get("Content-Type"); ct != tt.format {
				t.Errorf("Content-Type = %q, want %q", ct, tt.format)
			}
		})
	}
}
