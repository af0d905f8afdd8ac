package tilecache

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"geocache/internal/metrics"
	"geocache/internal/model"
)

// Fetcher fills tiles from the store, rendering and storing misses through
// the tileset's source. Concurrent misses on the same key share one render.
type Fetcher struct {
	store         Store
	keys          KeyTemplate
	renderTimeout time.Duration
	renders       singleflight.Group
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithKeyTemplate sets how store keys are derived from tiles.
func WithKeyTemplate(k KeyTemplate) FetcherOption {
	return func(f *Fetcher) { f.keys = k }
}

// WithRenderTimeout bounds a shared render. Zero leaves it unbounded.
func WithRenderTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.renderTimeout = d }
}

// NewFetcher creates a Fetcher. m may be nil.
func NewFetcher(store Store, m *metrics.Metrics, logger *slog.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "tile_fetcher"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch fills tile.Data, tile.MTime and tile.Expires.
//
// A render shared by concurrent callers is not tied to any one of them: a
// caller whose ctx ends stops waiting, the render carries on for the rest.
func (f *Fetcher) Fetch(ctx context.Context, tile *model.Tile) error {
	key := f.keys.Key(tile)
	tile.Expires = tile.Tileset.Expires

	e, ok, err := f.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		f.count(tile, "hit")
		tile.Data, tile.MTime = e.Data, e.MTime
		return nil
	}
	f.count(tile, "miss")

	if tile.Tileset.Source == nil {
		return model.Errorf(http.StatusNotFound, "tile %d/%d/%d of tileset %s is not cached and no source is configured",
			tile.Z, tile.X, tile.Y, tile.Tileset.Name)
	}

	ch := f.renders.DoChan(key, func() (any, error) {
		rctx, cancel := f.renderContext(ctx)
		defer cancel()
		// Another request may have stored the tile between our lookup and
		// acquiring the render slot.
		if e, ok, err := f.store.Get(rctx, key); err == nil && ok {
			return e, nil
		}
		return f.render(rctx, tile, key)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return res.Err
	}
	if res.Shared {
		f.logger.Debug("joined in-flight render", "key", key)
	}
	e = res.Val.(Entry)
	tile.Data, tile.MTime = e.Data, e.MTime
	return nil
}

// Invalidate removes tile from the store. It reports whether the tile was
// cached.
func (f *Fetcher) Invalidate(ctx context.Context, tile *model.Tile) (bool, error) {
	key := f.keys.Key(tile)
	ok, err := f.store.Exists(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := f.store.Delete(ctx, key); err != nil {
		return false, err
	}
	f.logger.Info("tile invalidated", "key", key)
	return true, nil
}

// renderContext keeps ctx's values but not its cancellation.
func (f *Fetcher) renderContext(ctx context.Context) (context.Context, context.CancelFunc) {
	rctx := context.WithoutCancel(ctx)
	if f.renderTimeout > 0 {
		return context.WithTimeout(rctx, f.renderTimeout)
	}
	return context.WithCancel(rctx)
}

func (f *Fetcher) render(ctx context.Context, tile *model.Tile, key string) (Entry, error) {
	g := tile.GridLink.Grid
	m := &model.Map{
		Tileset:    tile.Tileset,
		GridLink:   tile.GridLink,
		Extent:     g.TileExtent(tile.X, tile.Y, tile.Z),
		Width:      g.TileWidth,
		Height:     g.TileHeight,
		Dimensions: tile.Dimensions,
	}
	if err := tile.Tileset.Source.RenderMap(ctx, m); err != nil {
		f.renderOutcome(tile, "error")
		return Entry{}, err
	}
	f.renderOutcome(tile, "ok")

	e := Entry{Data: m.Data, MTime: f.now()}
	if err := f.store.Set(ctx, key, e); err != nil {
		// The render succeeded; serve it even if it could not be stored.
		f.logger.Warn("failed to store tile", "key", key, "err", err)
	}
	return e, nil
}

func (f *Fetcher) count(tile *model.Tile, result string) {
	if f.metrics != nil {
		f.metrics.CacheRequests.WithLabelValues(tile.Tileset.Name, result).Inc()
	}
}

func (f *Fetcher) renderOutcome(tile *model.Tile, outcome string) {
	if f.metrics != nil {
		f.metrics.TileRenders.WithLabelValues(tile.Tileset.Name, outcome).Inc()
	}
}
