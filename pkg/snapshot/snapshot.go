// Package snapshot converts list responses to and from the offline
// snapshot records kept in the durable store.
package snapshot

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pario-ai/offlinekit/pkg/models"
)

// ErrNotList is returned when a body holds no recognizable list.
var ErrNotList = errors.New("snapshot: response is not a list")

// listItems returns the array under key, or the body itself when it is
// a top-level array.
func listItems(body []byte, keys ...string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrNotList
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), nil
	}
	for _, k := range keys {
		if v := root.Get(k); v.IsArray() {
			return v.Array(), nil
		}
	}
	return nil, ErrNotList
}

func first(item gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := item.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// parseTime accepts RFC 3339 strings and unix seconds or milliseconds.
func parseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return unixAny(n)
		}
	case gjson.Number:
		return unixAny(v.Int())
	}
	return time.Time{}
}

func unixAny(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// ParseConversations extracts conversation rows from a listing body.
// Rows without an id are skipped.
func ParseConversations(body []byte) ([]models.ConversationSnapshot, error) {
	items, err := listItems(body, "conversations", "data", "items")
	if err != nil {
		return nil, err
	}
	out := make([]models.ConversationSnapshot, 0, len(items))
	for _, it := range items {
		id := first(it, "id", "_id", "conversationId").String()
		if id == "" {
			continue
		}
		out = append(out, models.ConversationSnapshot{
			ID:        id,
			Title:     first(it, "title", "name").String(),
			UpdatedAt: parseTime(first(it, "updatedAt", "updated_at", "createdAt", "created_at")),
			Raw:       []byte(it.Raw),
		})
	}
	return out, nil
}

// ParseMessages extracts message rows for conversationID. Rows without
// an explicit ordering key are ordered by list position.
func ParseMessages(body []byte, conversationID string) ([]models.MessageSnapshot, error) {
	items, err := listItems(body, "messages", "data", "items")
	if err != nil {
		return nil, err
	}
	out := make([]models.MessageSnapshot, 0, len(items))
	for i, it := range items {
		id := first(it, "id", "_id", "messageId").String()
		if id == "" {
			id = conversationID + "#" + strconv.Itoa(i)
		}
		order := first(it, "order", "position", "seq").Int()
		if order == 0 {
			order = int64(i + 1)
		}
		out = append(out, models.MessageSnapshot{
			ID:             id,
			ConversationID: conversationID,
			Role:           first(it, "role", "sender").String(),
			Content:        first(it, "content", "text", "message").String(),
			CreatedAt:      parseTime(first(it, "createdAt", "created_at", "timestamp")),
			Order:          order,
			Raw:            []byte(it.Raw),
		})
	}
	return out, nil
}

// RenderConversations builds {"conversations":[...],"offline":true}
// from stored rows, reusing each row's original JSON when present.
func RenderConversations(convs []models.ConversationSnapshot) []byte {
	out := []byte(`{"conversations":[],"offline":true}`)
	for _, c := range convs {
		raw := c.Raw
		if !json.Valid(raw) {
			raw, _ = json.Marshal(c)
		}
		out, _ = sjson.SetRawBytes(out, "conversations.-1", raw)
	}
	return out
}

// RenderMessages builds {"conversationId":...,"messages":[...],"offline":true}.
func RenderMessages(conversationID string, msgs []models.MessageSnapshot) []byte {
	out := []byte(`{"messages":[],"offline":true}`)
	out, _ = sjson.SetBytes(out, "conversationId", conversationID)
	for _, m := range msgs {
		raw := m.Raw
		if !json.Valid(raw) {
			raw, _ = json.Marshal(m)
		}
		out, _ = sjson.SetRawBytes(out, "messages.-1", raw)
	}
	return out
}
