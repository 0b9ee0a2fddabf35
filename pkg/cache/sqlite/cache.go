// Package sqlite is the content cache: upstream responses stored byte
// for byte under their request fingerprint, one namespace per deployed
// version.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/offlinekit/pkg/clock"
	"github.com/pario-ai/offlinekit/pkg/models"
)

// Cache is a namespaced response cache backed by SQLite.
type Cache struct {
	db        *sql.DB
	namespace string
	ttl       time.Duration
	max       int
	compress  bool
	clock     clock.Clock
	logger    *slog.Logger
	hits      atomic.Int64
	misses    atomic.Int64
}

// Options configures a Cache.
type Options struct {
	Namespace  string
	TTL        time.Duration
	MaxEntries int
	Compress   bool
	Clock      clock.Clock
	Logger     *slog.Logger
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS content_cache (
	namespace TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	body BLOB NOT NULL,
	codec TEXT NOT NULL DEFAULT 'none',
	raw_size INTEGER NOT NULL,
	stored_at INTEGER NOT NULL,
	ttl_ns INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_content_cache_age ON content_cache(namespace, stored_at);
`

// New opens the cache at dbPath.
func New(dbPath string, opts Options) (*Cache, error) {
	if opts.Namespace == "" {
		return nil, errors.New("cache namespace cannot be empty")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &Cache{
		db:        db,
		namespace: opts.Namespace,
		ttl:       opts.TTL,
		max:       opts.MaxEntries,
		compress:  opts.Compress,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Namespace returns the active namespace.
func (c *Cache) Namespace() string { return c.namespace }

// Get returns the live entry for fingerprint. Expired or unreadable
// entries are misses.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*models.CachedResponse, bool) {
	var (
		resp              models.CachedResponse
		body              []byte
		codec             string
		rawSize           int
		storedAt, ttlNano int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT method, url, status_code, content_type, body, codec, raw_size, stored_at, ttl_ns
		 FROM content_cache WHERE namespace = ? AND fingerprint = ?`,
		c.namespace, fingerprint,
	).Scan(&resp.Method, &resp.URL, &resp.StatusCode, &resp.ContentType, &body, &codec, &rawSize, &storedAt, &ttlNano)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Warn("cache read failed, treating as miss", "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}

	resp.Fingerprint = fingerprint
	resp.StoredAt = time.Unix(0, storedAt)
	resp.TTL = time.Duration(ttlNano)
	if resp.Expired(c.clock.Now()) {
		c.misses.Add(1)
		return nil, false
	}

	resp.Body, err = decompress(body, Codec(codec), rawSize)
	if err != nil {
		c.logger.Warn("cache entry corrupt, dropping", "fingerprint", fingerprint, "error", err)
		_, _ = c.db.ExecContext(ctx,
			`DELETE FROM content_cache WHERE namespace = ? AND fingerprint = ?`, c.namespace, fingerprint)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &resp, true
}

// Put stores resp, replacing any entry with the same fingerprint, then
// evicts the oldest entries beyond the capacity bound.
func (c *Cache) Put(ctx context.Context, resp *models.CachedResponse) error {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = c.clock.Now()
	}
	ttl := resp.TTL
	if ttl == 0 {
		ttl = c.ttl
	}

	codec := CodecNone
	if c.compress {
		codec = SelectCodec(resp.ContentType, len(resp.Body))
	}
	body, codec, err := compress(resp.Body, codec)
	if err != nil {
		return fmt.Errorf("cache compress: %w", err)
	}
	if body == nil {
		body = []byte{}
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO content_cache
		 (namespace, fingerprint, method, url, status_code, content_type, body, codec, raw_size, stored_at, ttl_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.namespace, resp.Fingerprint, resp.Method, resp.URL, resp.StatusCode, resp.ContentType,
		body, string(codec), len(resp.Body), storedAt.UnixNano(), int64(ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return c.evict(ctx)
}

func (c *Cache) evict(ctx context.Context) error {
	if c.max <= 0 {
		return nil
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM content_cache WHERE namespace = ? AND fingerprint NOT IN (
			SELECT fingerprint FROM content_cache WHERE namespace = ?
			ORDER BY stored_at DESC, fingerprint DESC LIMIT ?
		)`,
		c.namespace, c.namespace, c.max,
	)
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.logger.Debug("cache evicted entries", "count", n)
	}
	return nil
}

// Activate deletes every namespace other than the active one and
// returns how many entries were purged.
func (c *Cache) Activate(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM content_cache WHERE namespace != ?`, c.namespace)
	if err != nil {
		return 0, fmt.Errorf("cache activate: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns cache performance metrics for the active namespace.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count, size int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(raw_size), 0) FROM content_cache WHERE namespace = ?`, c.namespace,
	).Scan(&count, &size)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Namespace: c.namespace,
		Entries:   count,
		Bytes:     size,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
	}, nil
}

// Clear removes entries in the active namespace. If expiredOnly is
// true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expiredOnly {
		res, err = c.db.ExecContext(ctx,
			`DELETE FROM content_cache WHERE namespace = ? AND ttl_ns > 0 AND stored_at + ttl_ns < ?`,
			c.namespace, c.clock.Now().UnixNano())
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM content_cache WHERE namespace = ?`, c.namespace)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
