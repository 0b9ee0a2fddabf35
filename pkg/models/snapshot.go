package models

import "time"

// ConversationSnapshot is the offline copy of one conversation list row.
type ConversationSnapshot struct {
	ID        string    `cbor:"1,keyasint" json:"id"`
	Title     string    `cbor:"2,keyasint" json:"title"`
	UpdatedAt time.Time `cbor:"3,keyasint" json:"updatedAt"`
	// Raw is the row exactly as the server sent it.
	Raw []byte `cbor:"4,keyasint,omitempty" json:"-"`
}

// MessageSnapshot is the offline copy of one message within a conversation.
type MessageSnapshot struct {
	ID             string    `cbor:"1,keyasint" json:"id"`
	ConversationID string    `cbor:"2,keyasint" json:"conversationId"`
	Role           string    `cbor:"3,keyasint" json:"role"`
	Content        string    `cbor:"4,keyasint" json:"content"`
	CreatedAt      time.Time `cbor:"5,keyasint" json:"createdAt"`
	Order          int64     `cbor:"6,keyasint" json:"order"`
	Raw            []byte    `cbor:"7,keyasint,omitempty" json:"-"`
}
