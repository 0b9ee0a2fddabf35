package models

import "time"

// CachedResponse stores a previous upstream response byte for byte.
type CachedResponse struct {
	Fingerprint string        `json:"fingerprint"`
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type"`
	Body        []byte        `json:"body"`
	StoredAt    time.Time     `json:"stored_at"`
	TTL         time.Duration `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now. A zero TTL never expires.
func (c *CachedResponse) Expired(now time.Time) bool {
	return c.TTL > 0 && now.Sub(c.StoredAt) > c.TTL
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Namespace string `json:"namespace"`
	Entries   int64  `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
}

// GeneratedResponse is a previously generated chat answer keyed by the
// fingerprint of the prompt that produced it.
type GeneratedResponse struct {
	PromptHash string    `cbor:"1,keyasint" json:"prompt_hash"`
	Prompt     string    `cbor:"2,keyasint" json:"prompt"`
	Response   string    `cbor:"3,keyasint" json:"response"`
	StoredAt   time.Time `cbor:"4,keyasint" json:"stored_at"`
}
