package database

import (
	"context"
	"testing"

	"caresim/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryChatStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChatStore()

	chat := &models.Chat{UserID: 7, Title: "Morning visit"}
	require.NoError(t, store.Create(ctx, chat))
	assert.NotZero(t, chat.ID)
	assert.Equal(t, models.StatusReady, chat.Status)

	got, err := store.Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning visit", got.Title)

	got.Messages = append(got.Messages, models.Message{Role: models.RoleUser, Content: "hi"})
	again, err := store.Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Messages, "store must not share state with callers")
}

func TestMemoryChatStoreSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChatStore()

	chat := &models.Chat{UserID: 7, Title: "Visit"}
	require.NoError(t, store.Create(ctx, chat))

	chat.UserID = 99
	chat.Messages = []models.Message{{Role: models.RoleUser, Content: "hi"}}
	require.NoError(t, store.Save(ctx, chat))

	got, err := store.Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(7), got.UserID, "owner is immutable")
	assert.Len(t, got.Messages, 1)

	missing := &models.Chat{ID: 12345}
	assert.ErrorIs(t, store.Save(ctx, missing), ErrChatNotFound)
}

func TestMemoryChatStoreDeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChatStore()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, &models.Chat{UserID: 1, Title: "mine"}))
	}
	other := &models.Chat{UserID: 2, Title: "theirs"}
	require.NoError(t, store.Create(ctx, other))

	chats, total, err := store.ListByUser(ctx, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, chats, 2)

	chats, _, err = store.ListByUser(ctx, 1, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, chats)

	require.NoError(t, store.Delete(ctx, other.ID))
	_, err = store.Get(ctx, other.ID)
	assert.ErrorIs(t, err, ErrChatNotFound)
	assert.ErrorIs(t, store.Delete(ctx, other.ID), ErrChatNotFound)

	// a background commit for a deleted chat must not bring it back
	assert.ErrorIs(t, store.Save(ctx, other), ErrChatNotFound)
}
