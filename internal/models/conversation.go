package models

import (
	"sort"
	"strings"
)

// Conversation identifies the broadcast channel or a direct channel with one counterparty.
type Conversation struct {
	Kind ChannelKind `json:"kind"`

	// CounterpartyID is empty for the broadcast conversation.
	CounterpartyID string `json:"counterparty_id,omitempty"`
}

// Broadcast returns the shared broadcast conversation.
func Broadcast() Conversation {
	return Conversation{Kind: ChannelBroadcast}
}

// Direct returns the private conversation with counterpartyID.
func Direct(counterpartyID string) Conversation {
	return Conversation{Kind: ChannelDirect, CounterpartyID: counterpartyID}
}

// ParseConversation maps a conversation id ("broadcast" or a counterparty id).
func ParseConversation(id string) Conversation {
	id = strings.TrimSpace(id)
	if id == "" || id == BroadcastID {
		return Broadcast()
	}
	return Direct(id)
}

// ID returns "broadcast" or the counterparty id.
func (c Conversation) ID() string {
	if c.Kind == ChannelDirect {
		return c.CounterpartyID
	}
	return BroadcastID
}

// IsDirect reports whether this is a private conversation.
func (c Conversation) IsDirect() bool {
	return c.Kind == ChannelDirect
}

// Key returns an identifier independent of which participant is local.
func (c Conversation) Key(localID string) string {
	if !c.IsDirect() {
		return BroadcastID
	}
	pair := []string{localID, c.CounterpartyID}
	sort.Strings(pair)
	return "dm:" + pair[0] + ":" + pair[1]
}

// Includes reports whether msg belongs to this conversation as seen by localID.
func (c Conversation) Includes(localID string, msg *Message) bool {
	if msg == nil {
		return false
	}
	if !c.IsDirect() {
		return msg.Kind == ChannelBroadcast
	}
	if msg.Kind != ChannelDirect {
		return false
	}
	fromSelf := msg.SenderID == localID && msg.RecipientID == c.CounterpartyID
	fromPeer := msg.SenderID == c.CounterpartyID && msg.RecipientID == localID
	return fromSelf || fromPeer
}

// Counterparty is a directory entry.
type Counterparty struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// RoleAdmin may delete any message.
const RoleAdmin = "admin"

// IsAdmin reports whether the entry has the admin role.
func (c *Counterparty) IsAdmin() bool {
	return strings.EqualFold(c.Role, RoleAdmin)
}
