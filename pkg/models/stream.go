package models

// Provenance says where a response came from.
type Provenance string

const (
	ProvenanceLive      Provenance = "live"
	ProvenanceCache     Provenance = "cache"
	ProvenanceSnapshot  Provenance = "snapshot"
	ProvenanceGenerated Provenance = "generated"
	ProvenanceTemplate  Provenance = "template"
	ProvenanceQueued    Provenance = "queued"
	ProvenanceFallback  Provenance = "fallback"
)

// Offline reports whether the provenance means the response was not served live.
func (p Provenance) Offline() bool {
	return p != ProvenanceLive && p != ""
}

// StreamEvent is one frame of the chat event stream.
type StreamEvent struct {
	Type       string     `json:"type"`
	Content    string     `json:"content,omitempty"`
	Offline    bool       `json:"offline,omitempty"`
	Provenance Provenance `json:"provenance,omitempty"`
	Category   string     `json:"category,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Stream event types.
const (
	StreamToken   = "token"
	StreamSources = "sources"
	StreamDone    = "done"
	StreamError   = "error"
)
