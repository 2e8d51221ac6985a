package models

import (
	"strings"
	"time"
)

// ChannelKind distinguishes the shared broadcast channel from private channels.
type ChannelKind string

const (
	ChannelBroadcast ChannelKind = "broadcast"
	ChannelDirect    ChannelKind = "direct"
)

// BroadcastID is the conversation id of the shared broadcast channel.
const BroadcastID = "broadcast"

// Message is a single chat message as persisted by the store.
type Message struct {
	// ID is the unique identifier. Provisional ids carry the "local-" prefix.
	ID string `json:"id"`

	// Kind is the channel the message was posted to.
	Kind ChannelKind `json:"channel_kind"`

	// SenderID is the directory id of the author.
	SenderID string `json:"sender_id"`

	// RecipientID is set only for direct messages.
	RecipientID string `json:"recipient_id,omitempty"`

	// Body is the message text.
	Body string `json:"body"`

	// CreatedAt is assigned by the store and is the ordering key.
	CreatedAt time.Time `json:"created_at"`

	// ReadAt is set once, when the recipient reads a direct message.
	ReadAt *time.Time `json:"read_at,omitempty"`

	// SenderName is resolved from the directory for display. Not persisted.
	SenderName string `json:"-"`

	// Pending marks an optimistic copy that the store has not confirmed yet.
	Pending bool `json:"-"`
}

// ProvisionalPrefix prefixes client-generated ids.
const ProvisionalPrefix = "local-"

// IsProvisional reports whether the id was generated client-side.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// IsDirect reports whether the message belongs to a private channel.
func (m *Message) IsDirect() bool {
	return m.Kind == ChannelDirect
}

// IsRead reports whether a read receipt was recorded.
func (m *Message) IsRead() bool {
	return m.ReadAt != nil && !m.ReadAt.IsZero()
}

// FromSelf reports whether localID authored the message.
func (m *Message) FromSelf(localID string) bool {
	return m.SenderID != "" && m.SenderID == localID
}

// AddressedTo reports whether the message is a direct message for userID.
func (m *Message) AddressedTo(userID string) bool {
	return m.IsDirect() && m.RecipientID != "" && m.RecipientID == userID
}

// Counterparty returns the other participant of a direct message as seen by localID.
func (m *Message) Counterparty(localID string) string {
	if !m.IsDirect() {
		return ""
	}
	if m.SenderID == localID {
		return m.RecipientID
	}
	return m.SenderID
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		m.ReadAt = &readAt
	}
	return m
}

// Before orders messages by CreatedAt, then ID.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
