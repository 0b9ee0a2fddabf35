package store

import (
	"context"
	"fmt"

	"github.com/pario-ai/offlinekit/pkg/models"
)

// AppendMutation persists m at the tail of the queue and returns its sequence number.
func (s *Store) AppendMutation(ctx context.Context, m models.QueuedMutation) (int64, error) {
	data, err := marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encode mutation: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mutation_queue (id, value, enqueued_at) VALUES (?, ?, ?)`,
		m.ID, data, m.EnqueuedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("append mutation: %w", err)
	}
	return res.LastInsertId()
}

// ListMutations returns queued mutations in insertion order. Rows that
// fail to decode are logged and deleted.
func (s *Store) ListMutations(ctx context.Context) ([]models.QueuedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, value FROM mutation_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}

	var out []models.QueuedMutation
	var corrupt []int64
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		var m models.QueuedMutation
		if err := unmarshal(data, &m); err != nil {
			s.logger.Warn("queued mutation unreadable, dropping", "seq", seq, "error", err)
			corrupt = append(corrupt, seq)
			continue
		}
		m.Seq = seq
		out = append(out, m)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}

	for _, seq := range corrupt {
		if err := s.DeleteMutation(ctx, seq); err != nil {
			s.logger.Warn("failed to drop unreadable mutation", "seq", seq, "error", err)
		}
	}
	return out, nil
}

// UpdateMutation rewrites the stored value of m (attempt counters).
func (s *Store) UpdateMutation(ctx context.Context, m models.QueuedMutation) error {
	data, err := marshal(m)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE mutation_queue SET value = ? WHERE seq = ?`, data, m.Seq,
	); err != nil {
		return fmt.Errorf("update mutation %d: %w", m.Seq, err)
	}
	return nil
}

// DeleteMutation removes one queued mutation.
func (s *Store) DeleteMutation(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("delete mutation %d: %w", seq, err)
	}
	return nil
}

// CountMutations returns the queue depth.
func (s *Store) CountMutations(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

// ClearMutations empties the queue.
func (s *Store) ClearMutations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutation_queue`); err != nil {
		return fmt.Errorf("clear mutations: %w", err)
	}
	return nil
}
