package store

import (
	"context"
	"sort"

	"github.com/pario-ai/offlinekit/pkg/models"
)

// ReplaceTemplates swaps the whole template collection for recs.
func (s *Store) ReplaceTemplates(ctx context.Context, recs []models.TemplateRecord) error {
	now := s.clock.Now()
	out := make([]Record, 0, len(recs))
	for _, t := range recs {
		t.CachedAt = now
		out = append(out, Record{Key: t.Category, Value: t})
	}
	return s.Replace(ctx, CollectionTemplates, "", true, out)
}

// ListTemplates returns all templates ordered by category. Unreadable
// records are skipped.
func (s *Store) ListTemplates(ctx context.Context) ([]models.TemplateRecord, error) {
	raws, err := s.Scan(ctx, CollectionTemplates, "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.TemplateRecord, 0, len(raws))
	for _, r := range raws {
		var t models.TemplateRecord
		if err := unmarshal(r.Value, &t); err != nil {
			s.logger.Warn("template record unreadable, skipping", "category", r.Key, "error", err)
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// CountTemplates returns the number of stored templates.
func (s *Store) CountTemplates(ctx context.Context) (int64, error) {
	return s.Count(ctx, CollectionTemplates)
}
