package models

import (
	"net/http"
	"time"
)

// MutationRequest describes a write request captured by the interception layer.
type MutationRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// QueuedMutation is a write request persisted for later replay.
// Header never contains credentials.
type QueuedMutation struct {
	Seq        int64               `cbor:"-" json:"seq"`
	ID         string              `cbor:"1,keyasint" json:"id"`
	Method     string              `cbor:"2,keyasint" json:"method"`
	Path       string              `cbor:"3,keyasint" json:"path"`
	Header     map[string][]string `cbor:"4,keyasint,omitempty" json:"header,omitempty"`
	Body       []byte              `cbor:"5,keyasint,omitempty" json:"body,omitempty"`
	EnqueuedAt time.Time           `cbor:"6,keyasint" json:"enqueued_at"`
	Attempts   int                 `cbor:"7,keyasint,omitempty" json:"attempts"`
	LastError  string              `cbor:"8,keyasint,omitempty" json:"last_error,omitempty"`
}

// DrainResult summarizes a single drain pass.
type DrainResult struct {
	Attempted int   `json:"attempted"`
	Sent      int   `json:"sent"`
	Rejected  int   `json:"rejected"`
	Failed    int   `json:"failed"`
	Remaining int64 `json:"remaining"`
}
