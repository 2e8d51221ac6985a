package chat

import (
	"context"
	"time"

	"github.com/tOgg1/huddle/internal/models"
)

// MessageStore is the persistence surface a session needs.
// *db.MessageRepository satisfies it.
type MessageStore interface {
	UnreadSource

	// ListConversation returns the most recent limit messages of conv,
	// oldest first.
	ListConversation(ctx context.Context, localID string, conv models.Conversation, limit int) ([]*models.Message, error)

	// Insert persists msg and returns the stored record with its final id
	// and created_at.
	Insert(ctx context.Context, msg *models.Message) (*models.Message, error)

	// MarkRead stamps every unread direct message from sender to recipient.
	MarkRead(ctx context.Context, senderID, recipientID string, at time.Time) ([]*models.Message, error)

	// MarkMessageRead stamps a single message addressed to readerID.
	MarkMessageRead(ctx context.Context, id, readerID string, at time.Time) (*models.Message, error)

	// Delete removes id on behalf of requesterID and returns the removed record.
	Delete(ctx context.Context, id, requesterID string) (*models.Message, error)
}

// UnreadSource reports unread direct messages per sender.
type UnreadSource interface {
	UnreadBySender(ctx context.Context, recipientID string) (map[string]int, error)
}

// Directory lists the people a user can talk to.
// *db.ProfileRepository satisfies it.
type Directory interface {
	List(ctx context.Context) ([]models.Counterparty, error)
}

// Feed delivers the store's change notifications. The returned cancel
// function ends the subscription and closes the channel.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan models.Change, func(), error)
}

// FeedFunc adapts a subscribe function to Feed.
type FeedFunc func(ctx context.Context) (<-chan models.Change, func(), error)

// Subscribe calls f(ctx).
func (f FeedFunc) Subscribe(ctx context.Context) (<-chan models.Change, func(), error) {
	return f(ctx)
}
