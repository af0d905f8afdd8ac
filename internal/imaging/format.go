// Package imaging decodes, merges and encodes the rasters served by the
// tile and map pipelines.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"

	"golang.org/x/image/draw"

	"geocache/internal/model"
)

// Kind identifies an encoded image type.
type Kind int

const (
	Unknown Kind = iota
	PNG
	JPEG
)

func (k Kind) String() string {
	switch k {
	case PNG:
		return "png"
	case JPEG:
		return "jpeg"
	}
	return "unknown"
}

// MimeType returns the content type for k, or "" when unknown.
func (k Kind) MimeType() string {
	switch k {
	case PNG:
		return "image/png"
	case JPEG:
		return "image/jpeg"
	}
	return ""
}

// Format is a named encoder configuration.
type Format struct {
	name        string
	kind        Kind
	quality     int
	compression png.CompressionLevel
}

// NewPNG returns a PNG format with the given compression level.
func NewPNG(name string, compression png.CompressionLevel) *Format {
	return &Format{name: name, kind: PNG, compression: compression}
}

// NewJPEG returns a JPEG format. quality outside 1..100 falls back to 85.
func NewJPEG(name string, quality int) *Format {
	if quality < 1 || quality > 100 {
		quality = 85
	}
	return &Format{name: name, kind: JPEG, quality: quality}
}

// Name returns the configured format name.
func (f *Format) Name() string { return f.name }

// Kind returns the encoded image type.
func (f *Format) Kind() Kind { return f.kind }

// MimeType returns the content type of encoded output.
func (f *Format) MimeType() string { return f.kind.MimeType() }

// Extension returns the usual file extension, without the dot.
func (f *Format) Extension() string {
	if f.kind == JPEG {
		return "jpg"
	}
	return "png"
}

// Encode serializes img.
func (f *Format) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	switch f.kind {
	case JPEG:
		// JPEG carries no alpha; composite onto white so transparent areas
		// don't come out black.
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: f.quality}); err != nil {
			return nil, model.Errorf(http.StatusInternalServerError, "failed to encode %s image: %v", f.name, err)
		}
	default:
		enc := png.Encoder{CompressionLevel: f.compression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, model.Errorf(http.StatusInternalServerError, "failed to encode %s image: %v", f.name, err)
		}
	}
	return buf.Bytes(), nil
}

func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Sniff classifies buf by its leading magic bytes.
func Sniff(buf []byte) Kind {
	switch {
	case bytes.HasPrefix(buf, []byte("\x89PNG\r\n\x1a\n")):
		return PNG
	case bytes.HasPrefix(buf, []byte{0xff, 0xd8}):
		return JPEG
	}
	return Unknown
}
