package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tOgg1/huddle/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	return database
}

// fixedClock hands out strictly increasing timestamps.
type fixedClock struct {
	next time.Time
}

func (c *fixedClock) Now() time.Time {
	c.next = c.next.Add(time.Second)
	return c.next
}

func newTestMessages(t *testing.T, database *DB) *MessageRepository {
	t.Helper()
	repo := NewMessageRepository(database)
	clock := &fixedClock{next: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo.now = clock.Now
	return repo
}

func seedProfiles(t *testing.T, database *DB, profiles ...models.Counterparty) {
	t.Helper()
	repo := NewProfileRepository(database)
	for i := range profiles {
		require.NoError(t, repo.Upsert(context.Background(), &profiles[i]))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	database, err := OpenInMemory()
	require.NoError(t, err)
	defer database.Close()

	applied, err := database.MigrateUp(ctx)
	require.NoError(t, err)
	require.Equal(t, len(migrations), applied)

	applied, err = database.MigrateUp(ctx)
	require.NoError(t, err)
	require.Zero(t, applied)

	version, err := database.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, migrations[len(migrations)-1].version, version)
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "huddle.db")
	database, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.Migrate(context.Background()))
	require.Equal(t, path, database.Path())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}
