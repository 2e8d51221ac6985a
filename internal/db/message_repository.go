package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tOgg1/huddle/internal/models"
)

// Message repository errors.
var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// DefaultHistoryLimit is the window fetched per conversation.
const DefaultHistoryLimit = 100

// timeLayout is fixed width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Parse(time.RFC3339Nano, value)
	}
	return t, nil
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MessageRepository handles message persistence.
// Every mutation appends to the change log in the same transaction.
type MessageRepository struct {
	db      *DB
	changes *ChangeRepository
	retry   RetryPolicy
	now     func() time.Time
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{
		db:      db,
		changes: NewChangeRepository(db),
		retry:   DefaultRetryPolicy,
		now:     time.Now,
	}
}

const messageColumns = `id, channel_kind, sender_id, recipient_id, body, created_at, read_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Insert persists msg and returns the stored record.
// The store assigns created_at, and replaces empty or provisional ids.
func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg == nil {
		return nil, models.ErrInvalidMessage
	}
	if err := msg.ValidateOutgoing(); err != nil {
		return nil, err
	}

	stored := msg.Clone()
	if stored.ID == "" || models.IsProvisional(stored.ID) {
		stored.ID = uuid.New().String()
	}
	stored.CreatedAt = r.now().UTC()
	stored.ReadAt = nil
	stored.Pending = false
	stored.SenderName = ""

	err := r.db.TransactionWithRetry(ctx, r.retry, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
		`,
			stored.ID,
			string(stored.Kind),
			stored.SenderID,
			nullableString(stored.RecipientID),
			stored.Body,
			formatTime(stored.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		record := stored.Clone()
		return r.changes.AppendWithTx(ctx, tx, &models.Change{Type: models.ChangeInsert, New: &record})
	})
	if err != nil {
		return nil, err
	}

	return &stored, nil
}

// Get retrieves a message by ID.
func (r *MessageRepository) Get(ctx context.Context, id string) (*models.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListConversation returns the limit most recent messages of conv as seen
// by localID, oldest first.
func (r *MessageRepository) ListConversation(ctx context.Context, localID string, conv models.Conversation, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var (
		where string
		args  []any
	)
	if conv.IsDirect() {
		where = `channel_kind = 'direct' AND (
			(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		)`
		args = []any{localID, conv.CounterpartyID, conv.CounterpartyID, localID}
	} else {
		where = `channel_kind = 'broadcast'`
	}
	args = append(args, limit)

	messages, err := queryMessages(ctx, r.db, `
		SELECT `+messageColumns+` FROM messages
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead stamps read_at on every unread direct message from senderID to
// recipientID. Returns the updated records.
func (r *MessageRepository) MarkRead(ctx context.Context, senderID, recipientID string, at time.Time) ([]*models.Message, error) {
	return r.markRead(ctx, `sender_id = ? AND recipient_id = ?`, []any{senderID, recipientID}, at)
}

// MarkMessageRead stamps read_at on one message if readerID is its recipient
// and it is still unread. Returns ErrMessageNotFound when nothing matched.
func (r *MessageRepository) MarkMessageRead(ctx context.Context, id, readerID string, at time.Time) (*models.Message, error) {
	updated, err := r.markRead(ctx, `id = ? AND recipient_id = ?`, []any{id, readerID}, at)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, ErrMessageNotFound
	}
	return updated[0], nil
}

func (r *MessageRepository) markRead(ctx context.Context, match string, args []any, at time.Time) ([]*models.Message, error) {
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()
	filter := `channel_kind = 'direct' AND read_at IS NULL AND ` + match

	var updated []*models.Message
	err := r.db.TransactionWithRetry(ctx, r.retry, func(tx *sql.Tx) error {
		updated = nil

		pending, err := queryMessages(ctx, tx, `SELECT `+messageColumns+` FROM messages WHERE `+filter+` ORDER BY created_at, id`, args...)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		updateArgs := append([]any{formatTime(at)}, args...)
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET read_at = ? WHERE `+filter, updateArgs...); err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}

		for _, old := range pending {
			next := old.Clone()
			readAt := at
			next.ReadAt = &readAt
			if err := r.changes.AppendWithTx(ctx, tx, &models.Change{Type: models.ChangeUpdate, Old: old, New: &next}); err != nil {
				return err
			}
			updated = append(updated, &next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a message. Only its sender or an admin may delete it;
// anyone else gets ErrPermissionDenied.
func (r *MessageRepository) Delete(ctx context.Context, id, requesterID string) (*models.Message, error) {
	var deleted *models.Message
	err := r.db.TransactionWithRetry(ctx, r.retry, func(tx *sql.Tx) error {
		msg, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if err != nil {
			return err
		}

		if msg.SenderID != requesterID {
			admin, err := isAdmin(ctx, tx, requesterID)
			if err != nil {
				return err
			}
			if !admin {
				return fmt.Errorf("%w: %s may not delete message %s", ErrPermissionDenied, requesterID, id)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		deleted = msg
		return r.changes.AppendWithTx(ctx, tx, &models.Change{Type: models.ChangeDelete, Old: msg})
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// UnreadBySender counts unread direct messages addressed to recipientID,
// grouped by sender.
func (r *MessageRepository) UnreadBySender(ctx context.Context, recipientID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sender_id, COUNT(*) FROM messages
		WHERE channel_kind = 'direct' AND recipient_id = ? AND read_at IS NULL
		GROUP BY sender_id
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var count int
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		counts[sender] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unread counts: %w", err)
	}
	return counts, nil
}

type queryer interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

func queryMessages(ctx context.Context, q queryer, query string, args ...any) ([]*models.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var kind, createdAt string
	var recipient, readAt sql.NullString

	err := row.Scan(&msg.ID, &kind, &msg.SenderID, &recipient, &msg.Body, &createdAt, &readAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.Kind = models.ChannelKind(kind)
	msg.RecipientID = recipient.String
	msg.ReadAt = parseNullableTime(readAt)
	if t, err := parseTime(createdAt); err == nil {
		msg.CreatedAt = t
	}
	return &msg, nil
}
