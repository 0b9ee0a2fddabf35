// Package store is the local durable store: named collections of
// CBOR-encoded records in SQLite with primary-key lookup, a secondary
// index scan and counts, plus the mutation queue table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/offlinekit/pkg/clock"
)

// Collection names.
const (
	CollectionGenerated     = "generated_responses"
	CollectionTemplates     = "templates"
	CollectionConversations = "conversation_snapshots"
	CollectionMessages      = "message_snapshots"
)

// ErrNotFound is returned when a key is absent from a collection.
var ErrNotFound = errors.New("store: not found")

const createSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	index_key TEXT NOT NULL DEFAULT '',
	sort_key INTEGER NOT NULL DEFAULT 0,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS idx_records_scope ON records(collection, index_key, sort_key);

CREATE TABLE IF NOT EXISTS mutation_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	value BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);
`

// Store is the SQLite-backed durable store.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps and TTL checks.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger used for corruption reports.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates or opens the store at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// Single connection: SQLite has one writer and pragmas are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(createSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	s := &Store{db: db, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record is a value to write into a collection.
type Record struct {
	Key   string
	Index string
	Sort  int64
	Value any
}

// RawRecord is a stored record with its encoded value.
type RawRecord struct {
	Key       string
	Index     string
	Sort      int64
	Value     []byte
	UpdatedAt time.Time
}

// Put writes rec into collection, replacing any record with the same key.
func (s *Store) Put(ctx context.Context, collection string, rec Record) error {
	data, err := marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, rec.Key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (collection, key, index_key, sort_key, value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		collection, rec.Key, rec.Index, rec.Sort, data, s.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, rec.Key, err)
	}
	return nil
}

// Get decodes the record at key into v. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, collection, key string, v any) error {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE collection = ? AND key = ?`, collection, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	if err := unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes the record at key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Scan returns records of collection in index scope, newest sort key
// first. An empty index scans the whole collection. limit <= 0 means no limit.
func (s *Store) Scan(ctx context.Context, collection, index string, limit int) ([]RawRecord, error) {
	q := `SELECT key, index_key, sort_key, value, updated_at FROM records WHERE collection = ?`
	args := []any{collection}
	if index != "" {
		q += ` AND index_key = ?`
		args = append(args, index)
	}
	q += ` ORDER BY sort_key DESC, key DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var r RawRecord
		var updated int64
		if err := rows.Scan(&r.Key, &r.Index, &r.Sort, &r.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", collection, err)
		}
		r.UpdatedAt = time.Unix(0, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of records in collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Clear removes every record in collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	return nil
}

// Replace deletes every record in the index scope of collection and
// inserts recs, in one transaction. With allScopes the whole collection
// is replaced regardless of index.
func (s *Store) Replace(ctx context.Context, collection, index string, allScopes bool, recs []Record) error {
	encoded := make([][]byte, len(recs))
	for i, rec := range recs {
		data, err := marshal(rec.Value)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", collection, rec.Key, err)
		}
		encoded[i] = data
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace %s: begin: %w", collection, err)
	}
	defer func() { _ = tx.Rollback() }()

	if allScopes {
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND index_key = ?`, collection, index)
	}
	if err != nil {
		return fmt.Errorf("replace %s: delete: %w", collection, err)
	}

	now := s.clock.Now().UnixNano()
	for i, rec := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO records (collection, key, index_key, sort_key, value, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			collection, rec.Key, rec.Index, rec.Sort, encoded[i], now,
		); err != nil {
			return fmt.Errorf("replace %s: insert %s: %w", collection, rec.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace %s: commit: %w", collection, err)
	}
	return nil
}

// Trim keeps the keep records with the highest sort key in the index
// scope and deletes the rest. It returns the number deleted.
func (s *Store) Trim(ctx context.Context, collection, index string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND index_key = ? AND key NOT IN (
			SELECT key FROM records WHERE collection = ? AND index_key = ?
			ORDER BY sort_key DESC, key DESC LIMIT ?
		)`,
		collection, index, collection, index, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("trim %s: %w", collection, err)
	}
	return res.RowsAffected()
}
