package imaging

import (
	"bytes"
	"image"
	"image/color"
	"net/http"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"geocache/internal/model"
)

// Decode parses an encoded PNG or JPEG buffer into an RGBA raster whose
// bounds start at the origin.
func Decode(buf []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, model.Errorf(http.StatusInternalServerError, "failed to decode image: %v", err)
	}
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst, nil
}

// Merge composites overlay atop base in place. Both rasters must have the
// same size.
func Merge(base *image.RGBA, overlay image.Image) error {
	bb, ob := base.Bounds(), overlay.Bounds()
	if bb.Dx() != ob.Dx() || bb.Dy() != ob.Dy() {
		return model.Errorf(http.StatusInternalServerError,
			"cannot merge images of different sizes (%dx%d vs %dx%d)", bb.Dx(), bb.Dy(), ob.Dx(), ob.Dy())
	}
	draw.Draw(base, bb, overlay, ob.Min, draw.Over)
	return nil
}

// EmptyImage encodes a fully transparent width x height raster with f.
func EmptyImage(f model.ImageFormat, width, height int) ([]byte, error) {
	return f.Encode(image.NewRGBA(image.Rect(0, 0, width, height)))
}

var (
	errorBackground = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xc0}
	errorText       = color.RGBA{R: 0xb0, G: 0x10, B: 0x10, A: 0xff}
)

// ErrorImage renders msg, word-wrapped, onto a width x height raster.
func ErrorImage(width, height int, msg string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(errorBackground), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(errorText), Face: face}

	const margin = 5
	lineHeight := face.Metrics().Height.Ceil() + 1
	perLine := max((width-2*margin)/face.Advance, 1)

	y := margin + face.Ascent
	for _, line := range wrap(msg, perLine) {
		if y > height-margin {
			break
		}
		d.Dot = fixed.P(margin, y)
		d.DrawString(line)
		y += lineHeight
	}
	return img
}

// wrap splits msg into lines of at most n characters, breaking on spaces
// where possible.
func wrap(msg string, n int) []string {
	var lines []string
	var cur strings.Builder
	for _, word := range strings.Fields(msg) {
		for len(word) > n {
			if cur.Len() > 0 {
				lines = append(lines, cur.String())
				cur.Reset()
			}
			lines = append(lines, word[:n])
			word = word[n:]
		}
		switch {
		case cur.Len() == 0:
			cur.WriteString(word)
		case cur.Len()+1+len(word) <= n:
			cur.WriteByte(' ')
			cur.WriteString(word)
		default:
			lines = append(lines, cur.String())
			cur.Reset()
			cur.WriteString(word)
		}
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
