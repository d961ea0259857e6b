package cql

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/octofhir/fhirserver/internal/canonical"
	"github.com/octofhir/fhirserver/internal/store"
)

// LibraryCache is the two-tier compiled-CQL-library cache keyed by
// (url, version) (SPEC_FULL.md §4.11). Lookup order: in-memory L1, then
// the optional shared L2, then compile from the Library resource.
//
// L1 eviction is FIFO: lookups use Peek (never Get, which would bump
// recency and turn the underlying golang-lru/v2 cache into an LRU), so the
// only thing that ever reorders an entry is its first insertion — the
// oldest-inserted library is evicted first, as spec'd.
type LibraryCache struct {
	l1     *lru.Cache[string, CompiledLibrary]
	l2     SharedCache // nil means L1-only
	group  singleflight.Group
	pool   *pgxpool.Pool
	ttl    time.Duration
	logger zerolog.Logger

	// fetch loads a Library resource's raw body for (url, version).
	// Overridden in tests to exercise the cache/compile wiring without a
	// database.
	fetch func(ctx context.Context, url, version string) ([]byte, error)
}

// NewLibraryCache builds a cache with the given L1 capacity, optional L2
// (nil disables it), and shared-cache TTL.
func NewLibraryCache(capacity int, l2 SharedCache, ttl time.Duration, pool *pgxpool.Pool, logger zerolog.Logger) *LibraryCache {
	l1, _ := lru.New[string, CompiledLibrary](capacity)
	c := &LibraryCache{l1: l1, l2: l2, pool: pool, ttl: ttl, logger: logger}
	c.fetch = c.queryByURL
	return c
}

// Get returns the compiled library for ref ("url" or "url|version"),
// compiling it from the Library resource store on a full miss. Concurrent
// misses for the same key are collapsed via singleflight.
func (c *LibraryCache) Get(ctx context.Context, ref string) (CompiledLibrary, error) {
	url, version := canonical.Split(ref)
	key := canonical.Join(url, version)

	if lib, ok := c.l1.Peek(key); ok {
		return lib, nil
	}

	if c.l2 != nil {
		if lib, ok, err := c.l2.Get(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cql: shared cache read failed, falling back to compile")
		} else if ok {
			c.l1.Add(key, lib)
			return lib, nil
		}
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		lib, err := c.compile(ctx, url, version)
		if err != nil {
			return CompiledLibrary{}, err
		}
		c.l1.Add(key, lib)
		if c.l2 != nil {
			if err := c.l2.Set(ctx, key, lib, c.ttl); err != nil {
				c.logger.Warn().Err(err).Str("key", key).Msg("cql: shared cache write failed")
			}
		}
		return lib, nil
	})
	if err != nil {
		return CompiledLibrary{}, err
	}
	return result.(CompiledLibrary), nil
}

func (c *LibraryCache) compile(ctx context.Context, url, version string) (CompiledLibrary, error) {
	body, err := c.fetch(ctx, url, version)
	if err != nil {
		return CompiledLibrary{}, fmt.Errorf("cql: loading library %q: %w", canonical.Join(url, version), err)
	}
	return compileLibraryResource(url, version, body)
}

func (c *LibraryCache) queryByURL(ctx context.Context, url, version string) ([]byte, error) {
	table := store.CurrentTable("Library")
	query := fmt.Sprintf(`SELECT resource FROM %s WHERE status <> 'deleted' AND resource->>'url' = $1`, table)
	args := []any{url}
	if version != "" {
		query += ` AND resource->>'version' = $2`
		args = append(args, version)
	}
	query += ` ORDER BY version_id DESC LIMIT 1`

	var body []byte
	if err := c.pool.QueryRow(ctx, query, args...).Scan(&body); err != nil {
		return nil, err
	}
	return body, nil
}
