package service

import (
	"fmt"
	"image/png"
	"strings"

	"geocache/internal/config"
	"geocache/internal/imaging"
	"geocache/internal/model"
)

// ReportMode selects how errors are rendered to clients.
type ReportMode int

const (
	// ReportMessage returns the error message as text/plain.
	ReportMessage ReportMode = iota
	// ReportEmptyImage returns the pre-encoded empty image.
	ReportEmptyImage
	// ReportErrorImage returns an image with the message drawn on it.
	ReportErrorImage
)

func (m ReportMode) String() string {
	switch m {
	case ReportMessage:
		return "message"
	case ReportEmptyImage:
		return "empty_img"
	case ReportErrorImage:
		return "error_img"
	}
	return fmt.Sprintf("ReportMode(%d)", int(m))
}

// ParseReportMode maps a config value onto a report mode.
func ParseReportMode(s string) (ReportMode, error) {
	switch strings.ToLower(s) {
	case "message", "msg", "":
		return ReportMessage, nil
	case "empty_img", "empty":
		return ReportEmptyImage, nil
	case "error_img", "image":
		return ReportErrorImage, nil
	}
	return ReportMessage, fmt.Errorf("unknown error reporting mode %q", s)
}

// Settings are the process-wide values the pipelines read.
type Settings struct {
	DefaultFormat model.ImageFormat
	Reporting     ReportMode
	// EmptyImage is DefaultFormat's encoding of a transparent square.
	EmptyImage []byte
	// ErrorImageSize is the edge of the square raster used in ReportErrorImage mode.
	ErrorImageSize int
}

// FormatLookup resolves a configured format name.
type FormatLookup func(name string) (model.ImageFormat, bool)

// NewSettings resolves the service section of the config. The empty image is
// encoded once, up front.
func NewSettings(cfg config.ServiceConfig, lookup FormatLookup) (*Settings, error) {
	format, ok := lookup(cfg.DefaultFormat)
	if !ok {
		return nil, fmt.Errorf("service: unknown default format %q", cfg.DefaultFormat)
	}
	mode, err := ParseReportMode(cfg.Reporting)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	size := cfg.EmptyImageSize
	if size <= 0 {
		size = 256
	}
	s := &Settings{
		DefaultFormat:  format,
		Reporting:      mode,
		ErrorImageSize: size,
	}
	if s.EmptyImage, err = imaging.EmptyImage(format, size, size); err != nil {
		return nil, fmt.Errorf("service: encode empty image: %w", err)
	}
	return s, nil
}

var fallbackFormat = imaging.NewPNG(config.FormatPNG, png.DefaultCompression)

// defaultFormat is the process default image format. It is always defined.
func (c *Core) defaultFormat() model.ImageFormat {
	if c.settings != nil && c.settings.DefaultFormat != nil {
		return c.settings.DefaultFormat
	}
	return fallbackFormat
}
