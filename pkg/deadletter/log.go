// Package deadletter keeps queued mutations the server definitively
// rejected, so dropped writes remain inspectable.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/offlinekit/pkg/clock"
	"github.com/pario-ai/offlinekit/pkg/models"
)

// Log writes and queries dead letters in SQLite.
type Log struct {
	db     *sql.DB
	opts   Options
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// Options configures a Log.
type Options struct {
	DBPath        string
	RetentionDays int
	// MaxBodySize truncates stored request and response bodies. Zero keeps them whole.
	MaxBodySize int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// New opens the dead-letter table and starts the retention sweep.
func New(opts Options) (*Log, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate dead-letter db: %w", err)
	}

	l := &Log{db: db, opts: opts, done: make(chan struct{})}
	if opts.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}
	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS dead_letters (
		id           TEXT PRIMARY KEY,
		method       TEXT NOT NULL,
		path         TEXT NOT NULL,
		headers      TEXT,
		body         BLOB,
		enqueued_at  INTEGER NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		status_code  INTEGER NOT NULL,
		response     TEXT,
		rejected_at  INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_dead_letters_rejected ON dead_letters(rejected_at)`)
	return err
}

// Record stores a rejected mutation.
func (l *Log) Record(ctx context.Context, d models.DeadLetter) error {
	if l == nil || l.db == nil {
		return nil
	}
	if d.RejectedAt.IsZero() {
		d.RejectedAt = l.opts.Clock.Now()
	}

	var headers string
	if len(d.Mutation.Header) > 0 {
		b, _ := json.Marshal(d.Mutation.Header)
		headers = string(b)
	}
	body := d.Mutation.Body
	resp := d.Response
	if max := l.opts.MaxBodySize; max > 0 {
		if len(body) > max {
			body = body[:max]
		}
		if len(resp) > max {
			resp = resp[:max]
		}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters
		(id, method, path, headers, body, enqueued_at, attempts, status_code, response, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Mutation.ID, d.Mutation.Method, d.Mutation.Path, headers, body,
		d.Mutation.EnqueuedAt.UnixNano(), d.Mutation.Attempts,
		d.StatusCode, resp, d.RejectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// Query returns dead letters matching opts, newest first.
func (l *Log) Query(ctx context.Context, opts models.DeadLetterQueryOpts) ([]models.DeadLetter, error) {
	q := `SELECT id, method, path, headers, body, enqueued_at, attempts, status_code, response, rejected_at
		FROM dead_letters WHERE 1=1`
	var args []any

	if opts.Path != "" {
		q += " AND path = ?"
		args = append(args, opts.Path)
	}
	if !opts.Since.IsZero() {
		q += " AND rejected_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}

	q += " ORDER BY rejected_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var (
			d                    models.DeadLetter
			headers, resp        sql.NullString
			enqueued, rejectedAt int64
		)
		if err := rows.Scan(
			&d.Mutation.ID, &d.Mutation.Method, &d.Mutation.Path, &headers, &d.Mutation.Body,
			&enqueued, &d.Mutation.Attempts, &d.StatusCode, &resp, &rejectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if headers.Valid && headers.String != "" {
			_ = json.Unmarshal([]byte(headers.String), &d.Mutation.Header)
		}
		d.Response = resp.String
		d.Mutation.EnqueuedAt = time.Unix(0, enqueued)
		d.RejectedAt = time.Unix(0, rejectedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns the number of stored dead letters.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Cleanup deletes entries older than the retention period.
func (l *Log) Cleanup(ctx context.Context) (int64, error) {
	if l.opts.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := l.opts.Clock.Now().AddDate(0, 0, -l.opts.RetentionDays)
	res, err := l.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE rejected_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("dead-letter cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Log) Close() error {
	l.closed.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.db.Close()
}

func (l *Log) retentionLoop() {
	defer l.wg.Done()
	ticker := l.opts.Clock.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.opts.Logger.Warn("dead-letter cleanup failed", "error", err)
			} else if n > 0 {
				l.opts.Logger.Info("dead letters expired", "count", n)
			}
		}
	}
}
