// Package tilecache implements cache-or-source tile retrieval on top of a
// pluggable tile store.
package tilecache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"geocache/internal/metrics"
)

// Entry is a cached encoded tile.
type Entry struct {
	Data  []byte
	MTime time.Time
}

// Store persists encoded tiles by key.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Memory is a bounded in-process LRU store.
type Memory struct {
	cache   *lru.Cache[string, Entry]
	metrics *metrics.Metrics
}

// NewMemory returns a store holding at most size tiles. m may be nil.
func NewMemory(size int, m *metrics.Metrics) (*Memory, error) {
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create tile cache: %w", err)
	}
	return &Memory{cache: c, metrics: m}, nil
}

// Get returns the tile stored under key.
func (s *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := s.cache.Get(key)
	return e, ok, nil
}

// Set stores e under key, evicting the least recently used tile when full.
func (s *Memory) Set(_ context.Context, key string, e Entry) error {
	if evicted := s.cache.Add(key, e); evicted && s.metrics != nil {
		s.metrics.CacheEvictions.Inc()
	}
	s.report()
	return nil
}

// Delete removes key.
func (s *Memory) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	s.report()
	return nil
}

// Exists reports whether key is cached without touching its recency.
func (s *Memory) Exists(_ context.Context, key string) (bool, error) {
	return s.cache.Contains(key), nil
}

// Len returns the number of cached tiles.
func (s *Memory) Len() int { return s.cache.Len() }

func (s *Memory) report() {
	if s.metrics != nil {
		s.metrics.CacheEntries.Set(float64(s.cache.Len()))
	}
}
