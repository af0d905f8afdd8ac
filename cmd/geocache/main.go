package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"geocache/internal/client"
	"geocache/internal/config"
	"geocache/internal/handler"
	"geocache/internal/metrics"
	"geocache/internal/middleware"
	"geocache/internal/ows"
	"geocache/internal/service"
	"geocache/internal/tilecache"
	"geocache/internal/tileset"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("geocache"),
		kong.Description("Tile and map caching server for TMS and WMS clients."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewUpstreamClient,
			newRegistry,
			newTileStore,
			newFetcher,
			newSettings,
			newCore,
			newOWSOptions,
			newTMS,
			newWMS,
			handler.NewOWSHandler,
			newProxyHandler,
			handler.NewHealthHandler,
			handler.NewCacheHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetrics, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. Responses are fully
	// buffered, so the write timeout only has to cover the upstream timeout.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds+30) * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.ResponseHeaders())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newRegistry(cfg *config.Config, uc *client.UpstreamClient, logger *slog.Logger) (*tileset.Registry, error) {
	return tileset.NewRegistry(cfg, uc, logger)
}

func newTileStore(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (tilecache.Store, error) {
	if cfg.Cache.Backend != config.CachePostgres {
		return tilecache.NewMemory(cfg.Cache.MaxEntries, m)
	}

	pc := cfg.Cache.Postgres
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second)
	defer cancel()
	store, err := tilecache.NewPostgres(ctx, tilecache.PostgresConfig{
		DSN:             pc.DSN,
		Table:           pc.Table,
		MaxConns:        pc.MaxConns,
		MinConns:        pc.MinConns,
		MaxConnLifetime: time.Duration(pc.MaxConnLifetimeSeconds) * time.Second,
		Attempts:        pc.Attempts,
		MigrateOnStart:  pc.MigrateOnStart,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tile store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			store.Close()
			return nil
		},
	})
	logger.Info("using postgres tile store")
	return store, nil
}

func newFetcher(cfg *config.Config, store tilecache.Store, m *metrics.Metrics, logger *slog.Logger) (*tilecache.Fetcher, error) {
	keys, err := tilecache.NewKeyTemplate(cfg.Cache.KeyTemplate)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return tilecache.NewFetcher(store, m, logger,
		tilecache.WithKeyTemplate(keys),
		tilecache.WithRenderTimeout(time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second),
	), nil
}

func newSettings(cfg *config.Config, reg *tileset.Registry) (*service.Settings, error) {
	return service.NewSettings(cfg.Service, reg.LookupFormat)
}

func newCore(cfg *config.Config, fetcher *tilecache.Fetcher, uc *client.UpstreamClient, settings *service.Settings, logger *slog.Logger) *service.Core {
	var opts []service.Option
	if cfg.Cache.ConcurrentFetch {
		opts = append(opts, service.WithConcurrentFetch(cfg.Upstream.IdleConnections))
	}
	return service.NewCore(fetcher, tileset.Geometry{}, uc, settings, logger, opts...)
}

func newOWSOptions(cfg *config.Config, reg *tileset.Registry) (ows.Options, error) {
	opts, err := ows.NewOptions(cfg.Service, reg)
	if err != nil {
		return ows.Options{}, fmt.Errorf("service: %w", err)
	}
	return opts, nil
}

func newTMS(reg *tileset.Registry, opts ows.Options, logger *slog.Logger) *ows.TMS {
	return ows.NewTMS(reg, opts, logger)
}

func newWMS(reg *tileset.Registry, opts ows.Options, logger *slog.Logger) *ows.WMS {
	return ows.NewWMS(reg, opts, logger)
}

func newProxyHandler(core *service.Core, reg *tileset.Registry, logger *slog.Logger) *handler.ProxyHandler {
	return handler.NewProxyHandler(core, reg, logger)
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"tilesets", len(cfg.Tilesets),
				"getmap_strategy", cfg.Service.GetMapStrategy,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
