package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/offlinekit/pkg/models"
)

// PutGenerated stores a generated response and evicts the oldest
// entries so at most max remain.
func (s *Store) PutGenerated(ctx context.Context, g models.GeneratedResponse, max int) error {
	if g.StoredAt.IsZero() {
		g.StoredAt = s.clock.Now()
	}
	if err := s.Put(ctx, CollectionGenerated, Record{
		Key:   g.PromptHash,
		Sort:  g.StoredAt.UnixNano(),
		Value: g,
	}); err != nil {
		return err
	}
	if max > 0 {
		if _, err := s.Trim(ctx, CollectionGenerated, "", max); err != nil {
			return fmt.Errorf("evict generated: %w", err)
		}
	}
	return nil
}

// GetGenerated returns the generated response for promptHash unless it
// is absent, unreadable or older than ttl.
func (s *Store) GetGenerated(ctx context.Context, promptHash string, ttl time.Duration) (*models.GeneratedResponse, bool) {
	var g models.GeneratedResponse
	err := s.Get(ctx, CollectionGenerated, promptHash, &g)
	if errors.Is(err, ErrNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("generated response unreadable, treating as miss", "error", err)
		_ = s.Delete(ctx, CollectionGenerated, promptHash)
		return nil, false
	}
	if ttl > 0 && s.clock.Now().Sub(g.StoredAt) > ttl {
		return nil, false
	}
	return &g, true
}

// CountGenerated returns the number of stored generated responses.
func (s *Store) CountGenerated(ctx context.Context) (int64, error) {
	return s.Count(ctx, CollectionGenerated)
}

// ClearGenerated removes every generated response.
func (s *Store) ClearGenerated(ctx context.Context) error {
	return s.Clear(ctx, CollectionGenerated)
}
