package tilecache

import (
	"fmt"
	"strconv"
	"strings"

	"geocache/internal/model"
)

var keyTokens = []string{"{tileset}", "{grid}", "{z}", "{x}", "{y}", "{dim}", "{ext}"}

// keySanitizer replaces characters some stores refuse in keys.
var keySanitizer = strings.NewReplacer(" ", "#", "\r", "#", "\n", "#", "\t", "#", "\f", "#", "\v", "#")

// KeyTemplate derives store keys from tiles, e.g.
// "{tileset}/{grid}/{z}/{x}/{y}{dim}.{ext}". The zero value uses
// model.Tile.Key.
type KeyTemplate struct {
	template string
}

// NewKeyTemplate parses s. An empty s yields the zero KeyTemplate.
func NewKeyTemplate(s string) (KeyTemplate, error) {
	if s == "" {
		return KeyTemplate{}, nil
	}
	for _, tok := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(s, tok) {
			return KeyTemplate{}, fmt.Errorf("key template %q must contain %s", s, tok)
		}
	}
	rest := s
	for _, tok := range keyTokens {
		rest = strings.ReplaceAll(rest, tok, "")
	}
	if i := strings.IndexAny(rest, "{}"); i >= 0 {
		return KeyTemplate{}, fmt.Errorf("key template %q has an unknown placeholder near %q", s, rest[i:])
	}
	return KeyTemplate{template: s}, nil
}

// Key returns the store key of t.
func (k KeyTemplate) Key(t *model.Tile) string {
	if k.template == "" {
		return t.Key()
	}
	dim := t.Dimensions.Key()
	if dim != "" {
		dim = "?" + dim
	}
	key := strings.NewReplacer(
		"{tileset}", t.Tileset.Name,
		"{grid}", t.GridLink.Grid.Name,
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
		"{dim}", dim,
		"{ext}", extension(t.Tileset.Format),
	).Replace(k.template)
	return keySanitizer.Replace(key)
}

// String returns the template text.
func (k KeyTemplate) String() string { return k.template }

func extension(f model.ImageFormat) string {
	if f == nil {
		return "png"
	}
	if e, ok := f.(interface{ Extension() string }); ok {
		return e.Extension()
	}
	_, sub, ok := strings.Cut(f.MimeType(), "/")
	if !ok || sub == "" {
		return "bin"
	}
	return sub
}
