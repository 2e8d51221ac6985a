package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "profiles_and_messages",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS profiles (
				id TEXT PRIMARY KEY,
				display_name TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'member',
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				channel_kind TEXT NOT NULL CHECK (channel_kind IN ('broadcast', 'direct')),
				sender_id TEXT NOT NULL,
				recipient_id TEXT,
				body TEXT NOT NULL,
				created_at TEXT NOT NULL,
				read_at TEXT,
				CHECK ((channel_kind = 'direct') = (recipient_id IS NOT NULL))
			)`,
			`CREATE INDEX IF NOT EXISTS messages_channel_idx ON messages(channel_kind, created_at, id)`,
			`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages(sender_id, recipient_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages(recipient_id, read_at)`,
		},
	},
	{
		version: 2,
		name:    "change_log",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS changes (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL CHECK (type IN ('insert', 'update', 'delete')),
				message_id TEXT NOT NULL,
				old_json TEXT,
				new_json TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS changes_created_idx ON changes(created_at)`,
		},
	},
}

// Migrate applies all pending migrations.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.MigrateUp(ctx)
	return err
}

// MigrateUp applies pending migrations and returns how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		})
		if err != nil {
			return applied, err
		}
		applied++
		db.logger.Debug().Int("version", m.version).Str("name", m.name).Msg("migration applied")
	}

	return applied, nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
