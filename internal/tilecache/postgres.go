package tilecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"geocache/internal/model"
)

// PostgresConfig holds the connection settings of a Postgres tile store.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Attempts is how often an operation is tried before it fails.
	Attempts       int
	MigrateOnStart bool
}

func (c *PostgresConfig) defaults() {
	if c.Table == "" {
		c.Table = "tiles"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 5 * time.Minute
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// pgDB is the subset of *pgxpool.Pool the store uses.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores tiles in a shared Postgres table, so several geocache
// instances can serve from the same cache.
type Postgres struct {
	db       pgDB
	pool     *pgxpool.Pool
	attempts int
	logger   *slog.Logger

	getSQL, setSQL, deleteSQL, existsSQL string
}

// NewPostgres connects to cfg.DSN and verifies the connection.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	cfg.defaults()
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid tile table name %q", cfg.Table)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to tile store: %w", err)
	}

	s := newPostgres(pool, cfg.Table, cfg.Attempts, logger)
	s.pool = pool
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx, cfg.Table); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating tile table: %w", err)
		}
	}
	return s, nil
}

func newPostgres(db pgDB, table string, attempts int, logger *slog.Logger) *Postgres {
	t := pgx.Identifier{table}.Sanitize()
	return &Postgres{
		db:        db,
		attempts:  max(attempts, 1),
		logger:    logger.With("component", "tile_store", "table", table),
		getSQL:    "SELECT data, mtime FROM " + t + " WHERE key = $1",
		setSQL:    "INSERT INTO " + t + " (key, data, mtime) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, mtime = EXCLUDED.mtime",
		deleteSQL: "DELETE FROM " + t + " WHERE key = $1",
		existsSQL: "SELECT EXISTS(SELECT 1 FROM " + t + " WHERE key = $1)",
	}
}

func (s *Postgres) migrate(ctx context.Context, table string) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+pgx.Identifier{table}.Sanitize()+` (
		key   TEXT PRIMARY KEY,
		data  BYTEA NOT NULL,
		mtime TIMESTAMPTZ NOT NULL
	)`)
	return err
}

// Get returns the tile stored under key.
func (s *Postgres) Get(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	err := s.retry(ctx, "get", key, func() error {
		return s.db.QueryRow(ctx, s.getSQL, key).Scan(&e.Data, &e.MTime)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Set stores e under key, replacing any previous tile.
func (s *Postgres) Set(ctx context.Context, key string, e Entry) error {
	return s.retry(ctx, "set", key, func() error {
		_, err := s.db.Exec(ctx, s.setSQL, key, e.Data, e.MTime)
		return err
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Postgres) Delete(ctx context.Context, key string) error {
	return s.retry(ctx, "delete", key, func() error {
		_, err := s.db.Exec(ctx, s.deleteSQL, key)
		return err
	})
}

// Exists reports whether key is stored.
func (s *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.retry(ctx, "exists", key, func() error {
		return s.db.QueryRow(ctx, s.existsSQL, key).Scan(&ok)
	})
	return ok, err
}

// Ping checks the connection.
func (s *Postgres) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// retry runs fn up to s.attempts times. pgx.ErrNoRows is returned as is.
func (s *Postgres) retry(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < s.attempts {
			s.logger.Warn("tile store operation failed, retrying",
				"op", op,
				"key", key,
				"attempt", attempt,
				"err", err,
			)
		}
	}
	return model.Errorf(http.StatusInternalServerError, "tile store: %s %s failed: %v", op, key, err)
}
