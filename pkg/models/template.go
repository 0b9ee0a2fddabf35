package models

import "time"

// TemplateRecord is a canned offline answer for a prompt category.
type TemplateRecord struct {
	Category string    `cbor:"1,keyasint" json:"category"`
	Body     string    `cbor:"2,keyasint" json:"body"`
	Triggers []string  `cbor:"3,keyasint" json:"triggers"`
	CachedAt time.Time `cbor:"4,keyasint" json:"cached_at,omitempty"`
}
