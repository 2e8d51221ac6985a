package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tOgg1/huddle/internal/models"
)

func direct(from, to, body string) *models.Message {
	return &models.Message{Kind: models.ChannelDirect, SenderID: from, RecipientID: to, Body: body}
}

func broadcast(from, body string) *models.Message {
	return &models.Message{Kind: models.ChannelBroadcast, SenderID: from, Body: body}
}

func TestMessageInsertAssignsIDAndTime(t *testing.T) {
	database := setupTestDB(t)
	repo := newTestMessages(t, database)
	ctx := context.Background()

	msg := direct("ana", "bo", "hi")
	msg.ID = models.ProvisionalPrefix + "123"
	msg.CreatedAt = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)

	stored, err := repo.Insert(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	require.False(t, models.IsProvisional(stored.ID))
	require.Equal(t, 2026, stored.CreatedAt.Year())
	require.Nil(t, stored.ReadAt)

	got, err := repo.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, stored.Body, got.Body)
	require.Equal(t, "bo", got.RecipientID)
	require.True(t, stored.CreatedAt.Equal(got.CreatedAt))
}

func TestMessageInsertRejectsInvalid(t *testing.T) {
	database := setupTestDB(t)
	repo := newTestMessages(t, database)

	_, err := repo.Insert(context.Background(), broadcast("ana", "   "))
	require.ErrorIs(t, err, models.ErrEmptyBody)

	_, err = repo.Insert(context.Background(), direct("ana", "", "x"))
	require.ErrorIs(t, err, models.ErrMissingRecipient)
}

func TestListConversationFiltersAndOrders(t *testing.T) {
	database := setupTestDB(t)
	repo := newTestMessages(t, database)
	ctx := context.Background()

	for _, msg := range []*models.Message{
		broadcast("ana", "b1"),
		direct("ana", "bo", "d1"),
		direct("bo", "ana", "d2"),
		direct("cy", "ana", "other"),
		direct("bo", "cy", "third party"),
		broadcast("bo", "b2"),
	} {
		_, err := repo.Insert(ctx, msg)
		require.NoError(t, err)
	}

	shared, err := repo.ListConversation(ctx, "ana", models.Broadcast(), 100)
	require.NoError(t, err)
	require.Equal(t, []string{"b1", "b2"}, bodies(shared))

	dm, err := repo.ListConversation(ctx, "ana", models.Direct("bo"), 100)
	require.NoError(t, err)
	require.Equal(t, []string{"d1", "d2"}, bodies(dm))
}

func TestListConversationKeepsMostRecentWindow(t *testing.T) {
	database := setupTestDB(t)
	repo := newTestMessages(t, database)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := repo.Insert(ctx, broadcast("ana", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	got, err := repo.ListConversation(ctx, "ana", models.Broadcast(), 3)
	require.NoError(t, err)
	require.Equal(t, []string{"m4", "m5", "m6"}, bodies(got))
}

func TestMarkReadOnlyTouchesMatchingUnread(t *testing.T) {
	database := setupTestDB(t)
	repo := newTestMessages(t, database)
	ctx := context.Background()

	for _, msg := range []*models.Message{
		direct("bo", "ana", "1"),
		direct("bo", "ana", "2"),
		direct("cy", "ana", "3"),
		direct("ana", "bo", "4"),
	} {
		_, err := repo.Insert(ctx, msg)
		require.NoError(t, err)
	}

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	updated, err := repo.MarkRead(ctx, "bo", "ana", at)
	require.NoError(t, err)
	require.Len(t, updated, 2)
	for _, msg := range updated {
		require.NotNil(t, msg.ReadAt)
		require.True(t, at.Equal(*msg.ReadAt))
	}

	again, err := repo.MarkRead(ctx, "bo", "ana", at)
	require.NoError(t, err)
	require.Empty(t, again, "read_at transitions once")

	counts, err := repo.UnreadBySender(ctx, "ana")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"cy": 1}, counts)
}

func TestMarkMessageRead(t *testing.T) {
	database := setupTestDB(t)
	repo := newTestMessages(t, database)
	ctx := context.Background()

	stored, err := repo.Insert(ctx, direct("bo", "ana", "x"))
	require.NoError(t, err)

	_, err = repo.MarkMessageRead(ctx, stored.ID, "bo", time.Time{})
	require.ErrorIs(t, err, ErrMessageNotFound, "sender cannot mark its own message read")

	got, err := repo.MarkMessageRead(ctx, stored.ID, "ana", time.Time{})
	require.NoError(t, err)
	require.True(t, got.IsRead())
}

func TestDeletePermissions(t *testing.T) {
	database := setupTestDB(t)
	seedProfiles(t, database,
		models.Counterparty{ID: "ana", DisplayName: "Ana"},
		models.Counterparty{ID: "bo", DisplayName: "Bo"},
		models.Counterparty{ID: "root", DisplayName: "Root", Role: models.RoleAdmin},
	)
	repo := newTestMessages(t, database)
	ctx := context.Background()

	first, err := repo.Insert(ctx, broadcast("ana", "one"))
	require.NoError(t, err)
	second, err := repo.Insert(ctx, broadcast("ana", "two"))
	require.NoError(t, err)

	_, err = repo.Delete(ctx, first.ID, "bo")
	require.ErrorIs(t, err, ErrPermissionDenied)

	deleted, err := repo.Delete(ctx, first.ID, "ana")
	require.NoError(t, err)
	require.Equal(t, "one", deleted.Body)

	_, err = repo.Delete(ctx, second.ID, "root")
	require.NoError(t, err)

	_, err = repo.Delete(ctx, second.ID, "root")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMutationsAppendChanges(t *testing.T) {
	database := setupTestDB(t)
	repo := newTestMessages(t, database)
	changes := NewChangeRepository(database)
	ctx := context.Background()

	stored, err := repo.Insert(ctx, direct("bo", "ana", "hello"))
	require.NoError(t, err)
	_, err = repo.MarkRead(ctx, "bo", "ana", time.Time{})
	require.NoError(t, err)
	_, err = repo.Delete(ctx, stored.ID, "bo")
	require.NoError(t, err)

	log, err := changes.Since(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, log, 3)

	require.Equal(t, models.ChangeInsert, log[0].Type)
	require.Equal(t, stored.ID, log[0].New.ID)
	require.Nil(t, log[0].Old)

	require.Equal(t, models.ChangeUpdate, log[1].Type)
	require.Nil(t, log[1].Old.ReadAt)
	require.NotNil(t, log[1].New.ReadAt)

	require.Equal(t, models.ChangeDelete, log[2].Type)
	require.Equal(t, stored.ID, log[2].Old.ID)
	require.Nil(t, log[2].New)

	require.Less(t, log[0].Seq, log[1].Seq)
	latest, err := changes.LatestSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, log[2].Seq, latest)

	tail, err := changes.Since(ctx, log[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
}

func bodies(messages []*models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Body)
	}
	return out
}
