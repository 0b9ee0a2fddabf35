package channel

import (
	"encoding/json"
	"fmt"

	"github.com/pario-ai/offlinekit/pkg/models"
)

// Kind is the closed set of message types exchanged between the
// foreground and the background layer.
type Kind string

// Foreground → background.
const (
	KindHello                  Kind = "hello"
	KindGetQueueStatus         Kind = "getQueueStatus"
	KindRequestDrain           Kind = "requestDrain"
	KindPrimeTemplates         Kind = "primeTemplates"
	KindCacheGeneratedResponse Kind = "cacheGeneratedResponse"
	KindClearOnLogout          Kind = "clearOnLogout"
	KindCredentialReply        Kind = "credentialReply"
)

// Background → foreground.
const (
	KindQueueStatus           Kind = "queueStatus"
	KindAck                   Kind = "ack"
	KindError                 Kind = "error"
	KindCredentialRequest     Kind = "credentialRequest"
	KindQueueUpdated          Kind = "queueUpdated"
	KindItemSent              Kind = "itemSent"
	KindItemRejected          Kind = "itemRejected"
	KindAuthError             Kind = "authError"
	KindOfflineTemplateServed Kind = "offlineTemplateServed"
	KindUpdateAvailable       Kind = "updateAvailable"
)

// Inbound reports whether k may be sent by the foreground.
func (k Kind) Inbound() bool {
	switch k {
	case KindHello, KindGetQueueStatus, KindRequestDrain, KindPrimeTemplates,
		KindCacheGeneratedResponse, KindClearOnLogout, KindCredentialReply:
		return true
	}
	return false
}

// Message is the envelope for every frame on the channel.
type Message struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payloads.
type (
	Hello struct {
		Version string `json:"version"`
	}
	RequestDrain struct {
		Credential string `json:"credential,omitempty"`
	}
	CacheGenerated struct {
		Prompt   string `json:"prompt"`
		Response string `json:"response"`
	}
	CredentialReply struct {
		Credential string `json:"credential"`
	}
	QueueStatus struct {
		Count int64 `json:"count"`
	}
	Ack struct {
		Result any `json:"result,omitempty"`
	}
	Error struct {
		Message string `json:"message"`
	}
	Item struct {
		ID     string `json:"id"`
		Method string `json:"method,omitempty"`
		Path   string `json:"path,omitempty"`
		Status int    `json:"status,omitempty"`
		Body   string `json:"body,omitempty"`
	}
	TemplateServed struct {
		Category string `json:"category"`
	}
	UpdateAvailable struct {
		Version string `json:"version"`
	}
)

// NewMessage builds a message with payload encoded.
func NewMessage(kind Kind, payload any) (Message, error) {
	msg := Message{Type: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// FromEvent maps an engine event to its channel message.
func FromEvent(ev models.Event) (Message, error) {
	switch ev.Kind {
	case models.EventQueueUpdated:
		return NewMessage(KindQueueUpdated, QueueStatus{Count: ev.Count})
	case models.EventItemSent:
		return NewMessage(KindItemSent, itemOf(ev))
	case models.EventItemRejected:
		return NewMessage(KindItemRejected, itemOf(ev))
	case models.EventAuthError:
		return NewMessage(KindAuthError, itemOf(ev))
	case models.EventOfflineTemplateServed:
		return NewMessage(KindOfflineTemplateServed, TemplateServed{Category: ev.Category})
	case models.EventUpdateAvailable:
		return NewMessage(KindUpdateAvailable, UpdateAvailable{Version: ev.Version})
	default:
		return Message{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func itemOf(ev models.Event) Item {
	return Item{ID: ev.ItemID, Method: ev.Method, Path: ev.Path, Status: ev.Status, Body: ev.Body}
}
