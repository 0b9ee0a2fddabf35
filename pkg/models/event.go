package models

// EventKind names a notification pushed to the foreground.
type EventKind string

const (
	EventQueueUpdated          EventKind = "queueUpdated"
	EventItemSent              EventKind = "itemSent"
	EventItemRejected          EventKind = "itemRejected"
	EventAuthError             EventKind = "authError"
	EventOfflineTemplateServed EventKind = "offlineTemplateServed"
	EventUpdateAvailable       EventKind = "updateAvailable"
)

// Event is a push notification about engine state.
type Event struct {
	Kind     EventKind `json:"-"`
	Count    int64     `json:"count,omitempty"`
	ItemID   string    `json:"id,omitempty"`
	Method   string    `json:"method,omitempty"`
	Path     string    `json:"path,omitempty"`
	Status   int       `json:"status,omitempty"`
	Body     string    `json:"body,omitempty"`
	Category string    `json:"category,omitempty"`
	Version  string    `json:"version,omitempty"`
}
