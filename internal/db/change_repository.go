package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/huddle/internal/models"
)

// Change log errors.
var (
	ErrInvalidChange = errors.New("invalid change")
)

// ChangeRepository reads and writes the message change log.
// Every message mutation appends one row in the same transaction,
// which is what the feed tailer follows.
type ChangeRepository struct {
	db *DB
}

// NewChangeRepository creates a new ChangeRepository.
func NewChangeRepository(db *DB) *ChangeRepository {
	return &ChangeRepository{db: db}
}

// AppendWithTx records change inside an existing transaction and sets its Seq.
func (r *ChangeRepository) AppendWithTx(ctx context.Context, tx *sql.Tx, change *models.Change) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if !change.Valid() {
		return fmt.Errorf("%w: type %q message %q", ErrInvalidChange, change.Type, change.MessageID())
	}

	oldJSON, err := encodeRecord(change.Old)
	if err != nil {
		return err
	}
	newJSON, err := encodeRecord(change.New)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO changes (type, message_id, old_json, new_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		string(change.Type),
		change.MessageID(),
		oldJSON,
		newJSON,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read change seq: %w", err)
	}
	change.Seq = seq
	return nil
}

// Since returns up to limit changes with seq greater than afterSeq, oldest first.
func (r *ChangeRepository) Since(ctx context.Context, afterSeq int64, limit int) ([]*models.Change, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, type, old_json, new_json
		FROM changes
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []*models.Change
	for rows.Next() {
		change, err := r.scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return changes, nil
}

// LatestSeq returns the newest seq in the log, or 0 when it is empty.
func (r *ChangeRepository) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest change seq: %w", err)
	}
	return seq.Int64, nil
}

// Count returns the number of retained changes.
func (r *ChangeRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return count, nil
}

// DeleteOlderThan prunes changes recorded before the given time.
// Returns the number of changes deleted.
func (r *ChangeRepository) DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM changes WHERE seq IN (
			SELECT seq FROM changes WHERE created_at < ? ORDER BY seq LIMIT ?
		)
	`, formatTime(before), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old changes: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return count, nil
}

func (r *ChangeRepository) scanChange(rows *sql.Rows) (*models.Change, error) {
	var change models.Change
	var changeType string
	var oldJSON, newJSON sql.NullString

	if err := rows.Scan(&change.Seq, &changeType, &oldJSON, &newJSON); err != nil {
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}
	change.Type = models.ChangeType(changeType)

	var err error
	if change.Old, err = decodeRecord(oldJSON); err != nil {
		r.db.logger.Warn().Err(err).Int64("seq", change.Seq).Msg("failed to parse change old record")
	}
	if change.New, err = decodeRecord(newJSON); err != nil {
		r.db.logger.Warn().Err(err).Int64("seq", change.Seq).Msg("failed to parse change new record")
	}

	return &change, nil
}

func encodeRecord(msg *models.Message) (*string, error) {
	if msg == nil {
		return nil, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change record: %w", err)
	}
	s := string(data)
	return &s, nil
}

func decodeRecord(raw sql.NullString) (*models.Message, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var msg models.Message
	if err := json.Unmarshal([]byte(raw.String), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
