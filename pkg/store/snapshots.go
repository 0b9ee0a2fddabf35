package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/pario-ai/offlinekit/pkg/models"
)

// ReplaceConversations replaces the conversation snapshot with the max
// most recently updated conversations. Message snapshots of evicted
// conversations are dropped too.
func (s *Store) ReplaceConversations(ctx context.Context, convs []models.ConversationSnapshot, max int) error {
	sorted := make([]models.ConversationSnapshot, len(convs))
	copy(sorted, convs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt) })
	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
	}

	recs := make([]Record, 0, len(sorted))
	keep := make(map[string]bool, len(sorted))
	for _, c := range sorted {
		keep[c.ID] = true
		recs = append(recs, Record{Key: c.ID, Sort: c.UpdatedAt.UnixNano(), Value: c})
	}
	if err := s.Replace(ctx, CollectionConversations, "", true, recs); err != nil {
		return err
	}
	return s.dropOrphanMessages(ctx, keep)
}

func (s *Store) dropOrphanMessages(ctx context.Context, keep map[string]bool) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT index_key FROM records WHERE collection = ?`, CollectionMessages)
	if err != nil {
		return fmt.Errorf("list message scopes: %w", err)
	}
	var orphans []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			rows.Close()
			return fmt.Errorf("scan message scope: %w", err)
		}
		if !keep[scope] {
			orphans = append(orphans, scope)
		}
	}
	rows.Close()

	for _, scope := range orphans {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND index_key = ?`, CollectionMessages, scope,
		); err != nil {
			return fmt.Errorf("drop messages of %s: %w", scope, err)
		}
	}
	return nil
}

// ListConversations returns snapshots newest first. limit <= 0 means all.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]models.ConversationSnapshot, error) {
	raws, err := s.Scan(ctx, CollectionConversations, "", limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConversationSnapshot, 0, len(raws))
	for _, r := range raws {
		var c models.ConversationSnapshot
		if err := unmarshal(r.Value, &c); err != nil {
			s.logger.Warn("conversation snapshot unreadable, skipping", "id", r.Key, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ReplaceMessages replaces the message snapshot of one conversation,
// keeping the max latest messages by ordering key.
func (s *Store) ReplaceMessages(ctx context.Context, conversationID string, msgs []models.MessageSnapshot, max int) error {
	sorted := make([]models.MessageSnapshot, len(msgs))
	copy(sorted, msgs)
	for i := range sorted {
		sorted[i].ConversationID = conversationID
		if sorted[i].Order == 0 {
			sorted[i].Order = sorted[i].CreatedAt.UnixNano()
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	if max > 0 && len(sorted) > max {
		sorted = sorted[len(sorted)-max:]
	}

	recs := make([]Record, 0, len(sorted))
	for _, m := range sorted {
		recs = append(recs, Record{
			Key:   conversationID + "/" + m.ID,
			Index: conversationID,
			Sort:  m.Order,
			Value: m,
		})
	}
	return s.Replace(ctx, CollectionMessages, conversationID, false, recs)
}

// ListMessages returns a conversation's message snapshot in order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.MessageSnapshot, error) {
	raws, err := s.Scan(ctx, CollectionMessages, conversationID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.MessageSnapshot, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var m models.MessageSnapshot
		if err := unmarshal(raws[i].Value, &m); err != nil {
			s.logger.Warn("message snapshot unreadable, skipping", "key", raws[i].Key, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ClearSnapshots removes all conversation and message snapshots.
func (s *Store) ClearSnapshots(ctx context.Context) error {
	if err := s.Clear(ctx, CollectionMessages); err != nil {
		return err
	}
	return s.Clear(ctx, CollectionConversations)
}
