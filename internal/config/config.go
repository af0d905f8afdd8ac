// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/geocache/config.toml",
	"configs/config.toml",
}

// Built-in names that are always resolvable without a config entry.
const (
	FormatPNG  = "PNG"
	FormatJPEG = "JPEG"

	GridWebMercator = "GoogleMapsCompatible"
	GridWGS84       = "WGS84"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig    `toml:"server"`
	Upstream UpstreamConfig  `toml:"upstream"`
	Log      LogConfig       `toml:"log"`
	Metrics  MetricsConfig   `toml:"metrics"`
	Cache    CacheConfig     `toml:"cache"`
	Service  ServiceConfig   `toml:"service"`
	Formats  []FormatConfig  `toml:"format"`
	Grids    []GridConfig    `toml:"grid"`
	Sources  []SourceConfig  `toml:"source"`
	Tilesets []TilesetConfig `toml:"tileset"`
	Proxies  []ProxyConfig   `toml:"proxy"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds settings shared by every upstream HTTP call.
type UpstreamConfig struct {
	TimeoutSeconds  int   `toml:"timeout_seconds"`
	IdleConnections int   `toml:"idle_connections"`
	MaxBodyBytes    int64 `toml:"max_body_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Tile store backends.
const (
	CacheMemory   = "memory"
	CachePostgres = "postgres"
)

// CacheConfig controls the tile cache.
type CacheConfig struct {
	Backend    string `toml:"backend"` // memory | postgres
	MaxEntries int    `toml:"max_entries"`
	// ConcurrentFetch fetches the tiles of a single request in parallel.
	ConcurrentFetch bool `toml:"concurrent_fetch"`
	// KeyTemplate shapes store keys, e.g. "{tileset}/{grid}/{z}/{x}/{y}{dim}".
	KeyTemplate string `toml:"key_template"`
	// AllowInvalidation enables DELETE on TMS tile URLs.
	AllowInvalidation bool                `toml:"allow_invalidation"`
	Postgres          PostgresCacheConfig `toml:"postgres"`
}

// PostgresCacheConfig configures the shared Postgres tile store.
type PostgresCacheConfig struct {
	DSN                    string `toml:"dsn"`
	Table                  string `toml:"table"`
	MaxConns               int32  `toml:"max_conns"`
	MinConns               int32  `toml:"min_conns"`
	MaxConnLifetimeSeconds int    `toml:"max_conn_lifetime_seconds"`
	Attempts               int    `toml:"attempts"`
	MigrateOnStart         bool   `toml:"migrate_on_start"`
}

// ServiceConfig holds process-wide request handling settings.
type ServiceConfig struct {
	PublicURL      string `toml:"public_url"`
	DefaultFormat  string `toml:"default_format"`
	GetMapFormat   string `toml:"getmap_format"`
	Reporting      string `toml:"reporting"`       // message | empty_img | error_img
	GetMapStrategy string `toml:"getmap_strategy"` // assemble | forward | error
	ResampleMode   string `toml:"resample_mode"`   // nearest | bilinear
	EmptyImageSize int    `toml:"empty_image_size"`
}

// FormatConfig declares a named image format.
type FormatConfig struct {
	Name        string `toml:"name"`
	Type        string `toml:"type"` // png | jpeg
	Quality     int    `toml:"quality"`
	Compression string `toml:"compression"` // default | fast | best | none
}

// GridConfig declares a custom tiling grid.
type GridConfig struct {
	Name        string     `toml:"name"`
	SRS         string     `toml:"srs"`
	Extent      [4]float64 `toml:"extent"`
	TileWidth   int        `toml:"tile_width"`
	TileHeight  int        `toml:"tile_height"`
	Resolutions []float64  `toml:"resolutions"`
}

// SourceConfig declares an upstream WMS source.
type SourceConfig struct {
	Name        string            `toml:"name"`
	URL         string            `toml:"url"`
	Params      map[string]string `toml:"params"`
	Headers     map[string]string `toml:"headers"`
	InfoFormats []string          `toml:"info_formats"`
}

// TilesetConfig declares a cached layer.
type TilesetConfig struct {
	Name    string   `toml:"name"`
	Source  string   `toml:"source"`
	Format  string   `toml:"format"`
	Grids   []string `toml:"grids"`
	Expires int      `toml:"expires"`
	// Dimensions maps each extra request axis to its default value.
	Dimensions map[string]string `toml:"dimensions"`
}

// ProxyConfig declares a transparent pass-through endpoint.
type ProxyConfig struct {
	Name    string            `toml:"name"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/geocache/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.filePath = path
	cfg.applyCLI(cli)
	return cfg, nil
}

// Parse decodes, validates and defaults a TOML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateService(); err != nil {
		return err
	}
	formats, err := c.validateFormats()
	if err != nil {
		return err
	}
	grids, err := c.validateGrids()
	if err != nil {
		return err
	}
	sources, err := c.validateSources()
	if err != nil {
		return err
	}
	if err := c.validateTilesets(formats, grids, sources); err != nil {
		return err
	}
	if err := c.validateProxies(); err != nil {
		return err
	}
	if c.Service.DefaultFormat != "" && !formats[c.Service.DefaultFormat] {
		return fmt.Errorf("service.default_format references unknown format %q", c.Service.DefaultFormat)
	}
	if c.Service.GetMapFormat != "" && !formats[c.Service.GetMapFormat] {
		return fmt.Errorf("service.getmap_format references unknown format %q", c.Service.GetMapFormat)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be non-negative; got %d", c.Cache.MaxEntries)
	}
	switch strings.ToLower(c.Cache.Backend) {
	case CacheMemory, "":
	case CachePostgres:
		if c.Cache.Postgres.DSN == "" {
			return fmt.Errorf("cache.postgres.dsn is required when cache.backend is %q", CachePostgres)
		}
		if c.Cache.Postgres.MaxConns < 0 || c.Cache.Postgres.MinConns < 0 || c.Cache.Postgres.Attempts < 0 || c.Cache.Postgres.MaxConnLifetimeSeconds < 0 {
			return fmt.Errorf("cache.postgres pool settings must be non-negative")
		}
	default:
		return fmt.Errorf("cache.backend must be one of: memory, postgres; got %q", c.Cache.Backend)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/tms", "/wms", "/proxy", "/healthz", "/geocache/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}
	return nil
}

func (c *Config) validateService() error {
	switch strings.ToLower(c.Service.Reporting) {
	case "message", "empty_img", "error_img", "":
		// valid
	default:
		return fmt.Errorf("service.reporting must be one of: message, empty_img, error_img; got %q", c.Service.Reporting)
	}
	switch strings.ToLower(c.Service.GetMapStrategy) {
	case "assemble", "forward", "error", "":
		// valid
	default:
		return fmt.Errorf("service.getmap_strategy must be one of: assemble, forward, error; got %q", c.Service.GetMapStrategy)
	}
	switch strings.ToLower(c.Service.ResampleMode) {
	case "nearest", "bilinear", "":
		// valid
	default:
		return fmt.Errorf("service.resample_mode must be one of: nearest, bilinear; got %q", c.Service.ResampleMode)
	}
	if c.Service.EmptyImageSize < 0 {
		return fmt.Errorf("service.empty_image_size must be non-negative; got %d", c.Service.EmptyImageSize)
	}
	if c.Service.PublicURL != "" {
		if err := validateHTTPURL("service.public_url", c.Service.PublicURL); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateFormats() (map[string]bool, error) {
	names := map[string]bool{FormatPNG: true, FormatJPEG: true}
	for i, f := range c.Formats {
		if f.Name == "" {
			return nil, fmt.Errorf("format[%d].name is required", i)
		}
		if names[f.Name] {
			return nil, fmt.Errorf("format %q is defined more than once", f.Name)
		}
		switch strings.ToLower(f.Type) {
		case "png":
			switch strings.ToLower(f.Compression) {
			case "default", "fast", "best", "none", "":
			default:
				return nil, fmt.Errorf("format %q: compression must be one of: default, fast, best, none; got %q", f.Name, f.Compression)
			}
		case "jpeg", "jpg":
			if f.Quality < 0 || f.Quality > 100 {
				return nil, fmt.Errorf("format %q: quality must be 0–100; got %d", f.Name, f.Quality)
			}
		default:
			return nil, fmt.Errorf("format %q: type must be png or jpeg; got %q", f.Name, f.Type)
		}
		names[f.Name] = true
	}
	return names, nil
}

func (c *Config) validateGrids() (map[string]bool, error) {
	names := map[string]bool{GridWebMercator: true, GridWGS84: true}
	for i, g := range c.Grids {
		if g.Name == "" {
			return nil, fmt.Errorf("grid[%d].name is required", i)
		}
		if names[g.Name] {
			return nil, fmt.Errorf("grid %q is defined more than once", g.Name)
		}
		if len(g.Resolutions) == 0 {
			return nil, fmt.Errorf("grid %q: resolutions are required", g.Name)
		}
		if g.Extent[2] <= g.Extent[0] || g.Extent[3] <= g.Extent[1] {
			return nil, fmt.Errorf("grid %q: extent must be [minx, miny, maxx, maxy] with positive area", g.Name)
		}
		names[g.Name] = true
	}
	return names, nil
}

func (c *Config) validateSources() (map[string]bool, error) {
	names := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return nil, fmt.Errorf("source[%d].name is required", i)
		}
		if names[s.Name] {
			return nil, fmt.Errorf("source %q is defined more than once", s.Name)
		}
		if err := validateHTTPURL(fmt.Sprintf("source %q url", s.Name), s.URL); err != nil {
			return nil, err
		}
		names[s.Name] = true
	}
	return names, nil
}

func (c *Config) validateTilesets(formats, grids, sources map[string]bool) error {
	seen := make(map[string]bool, len(c.Tilesets))
	for i, ts := range c.Tilesets {
		if ts.Name == "" {
			return fmt.Errorf("tileset[%d].name is required", i)
		}
		if strings.ContainsAny(ts.Name, ",@/") {
			return fmt.Errorf("tileset %q: name must not contain ',', '@' or '/'", ts.Name)
		}
		if seen[ts.Name] {
			return fmt.Errorf("tileset %q is defined more than once", ts.Name)
		}
		if ts.Source != "" && !sources[ts.Source] {
			return fmt.Errorf("tileset %q references unknown source %q", ts.Name, ts.Source)
		}
		if ts.Format != "" && !formats[ts.Format] {
			return fmt.Errorf("tileset %q references unknown format %q", ts.Name, ts.Format)
		}
		for _, g := range ts.Grids {
			if !grids[g] {
				return fmt.Errorf("tileset %q references unknown grid %q", ts.Name, g)
			}
		}
		if ts.Expires < 0 {
			return fmt.Errorf("tileset %q: expires must be non-negative; got %d", ts.Name, ts.Expires)
		}
		for name := range ts.Dimensions {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("tileset %q: dimension name must not be empty", ts.Name)
			}
		}
		seen[ts.Name] = true
	}
	return nil
}

func (c *Config) validateProxies() error {
	seen := make(map[string]bool, len(c.Proxies))
	for i, p := range c.Proxies {
		if p.Name == "" {
			return fmt.Errorf("proxy[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("proxy %q is defined more than once", p.Name)
		}
		if err := validateHTTPURL(fmt.Sprintf("proxy %q url", p.Name), p.URL); err != nil {
			return err
		}
		seen[p.Name] = true
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	if c.Service.DefaultFormat == "" {
		c.Service.DefaultFormat = FormatPNG
	}
	if c.Service.GetMapFormat == "" {
		c.Service.GetMapFormat = FormatJPEG
	}
	if c.Service.Reporting == "" {
		c.Service.Reporting = "message"
	}
	if c.Service.GetMapStrategy == "" {
		c.Service.GetMapStrategy = "assemble"
	}
	if c.Service.ResampleMode == "" {
		c.Service.ResampleMode = "nearest"
	}
	if c.Service.EmptyImageSize == 0 {
		c.Service.EmptyImageSize = 256
	}
	for i := range c.Tilesets {
		if len(c.Tilesets[i].Grids) == 0 {
			c.Tilesets[i].Grids = []string{GridWebMercator}
		}
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. Source and proxy headers may carry credentials.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
