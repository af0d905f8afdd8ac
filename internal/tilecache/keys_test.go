package tilecache

import (
	"strings"
	"testing"

	"geocache/internal/grid"
	"geocache/internal/imaging"
	"geocache/internal/model"
)

func TestNewKeyTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		wantErr  string
	}{
		{"empty uses default", "", ""},
		{"full", "{tileset}/{grid}/{z}/{x}/{y}{dim}.{ext}", ""},
		{"missing y", "{tileset}/{z}/{x}", "{y}"},
		{"unknown placeholder", "{tileset}/{z}/{x}/{y}/{style}", "unknown placeholder"},
		{"stray brace", "{tileset}/{z}/{x}/{y}}", "unknown placeholder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyTemplate(tt.template)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewKeyTemplate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewKeyTemplate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestKeyTemplate_Key(t *testing.T) {
	tile := &model.Tile{
		Tileset:    &model.Tileset{Name: "osm", Format: imaging.NewJPEG("JPEG", 80)},
		GridLink:   &model.GridLink{Grid: grid.WGS84()},
		X:          3,
		Y:          2,
		Z:          4,
		Dimensions: model.Dimensions{{Name: "TIME", Value: "2024 01"}},
	}
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"default", "", "osm/WGS84/4/3/2?TIME=2024 01"},
		{"slashes", "{tileset}/{grid}/{z}/{x}/{y}{dim}.{ext}", "osm/WGS84/4/3/2?TIME=2024#01.jpg"},
		{"dashes without dims", "{tileset}-{z}-{y}-{x}", "osm-4-2-3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := NewKeyTemplate(tt.template)
			if err != nil {
				t.Fatalf("NewKeyTemplate() error = %v", err)
			}
			if got := k.Key(tile); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtension(t *testing.T) {
	if got := extension(nil); got != "png" {
		t.Errorf("extension(nil) = %q, want png", got)
	}
	if got := extension(imaging.NewPNG("PNG", 0)); got != "png" {
		t.Errorf("extension(PNG) = %q, want png", got)
	}
}
