package models

import "time"

// DeadLetter is a queued mutation the server definitively rejected.
type DeadLetter struct {
	Mutation   QueuedMutation `json:"mutation"`
	StatusCode int            `json:"status_code"`
	Response   string         `json:"response,omitempty"`
	RejectedAt time.Time      `json:"rejected_at"`
}

// DeadLetterQueryOpts specifies filters for listing dead letters.
type DeadLetterQueryOpts struct {
	Path  string
	Since time.Time
	Limit int
}
