// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on duplicate detection and cursor rollback specific to the in-memory implementation

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bumpCursor(ctx context.Context, rs RoutingState) (string, error) {
	last, err := rs.Cursor(ctx)
	if err != nil {
		return "", err
	}
	return "", rs.SetCursor(ctx, last+1)
}

func TestMockStore_CreateConversation_Duplicate(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	_, err := store.CreateConversation(ctx, "+1555", bumpCursor)
	require.NoError(t, err)

	_, err = store.CreateConversation(ctx, "+1555", bumpCursor)
	assert.ErrorIs(t, err, ErrDuplicateConversation)
	assert.Equal(t, 1, store.Cursor())
}

func TestMockStore_CreateConversation_UnknownAgent(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	_, err := store.CreateConversation(ctx, "+1555", func(ctx context.Context, rs RoutingState) (string, error) {
		return "ghost", nil
	})
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.NotErrorIs(t, err, ErrDuplicateConversation)

	_, err = store.GetConversationByCustomer(ctx, "+1555")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_CreateConversation_FailedInsertKeepsCursor(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	store.FailNextConversationInsert = errors.New("disk full")

	_, err := store.CreateConversation(ctx, "+1555", bumpCursor)
	require.Error(t, err)
	assert.Equal(t, 0, store.Cursor())

	_, err = store.GetConversationByCustomer(ctx, "+1555")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.CreateConversation(ctx, "+1555", bumpCursor)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Cursor())
}

func TestMockStore_AppendMessage_Dedup(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, "+1555", nil)
	require.NoError(t, err)

	first, created, err := store.AppendMessage(ctx, &Message{
		ConversationID: conv.ID, Sender: SenderCustomer, Content: Text{Body: "hi"}, ProviderMessageID: "wamid.1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.AppendMessage(ctx, &Message{
		ConversationID: conv.ID, Sender: SenderCustomer, Content: Text{Body: "hi"}, ProviderMessageID: "wamid.1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMockStore_AppendMessage_UnknownConversation(t *testing.T) {
	store := NewMockStore()
	_, _, err := store.AppendMessage(context.Background(), &Message{
		ConversationID: "nope", Sender: SenderCustomer, Content: Text{Body: "hi"},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_MaterializeMedia(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, "+1555", nil)
	require.NoError(t, err)

	msg, _, err := store.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		Sender:         SenderCustomer,
		Content:        Audio{Media: Media{Handle: "media-9", MimeType: "audio/ogg"}, VoiceNote: true},
	})
	require.NoError(t, err)

	pending, err := store.ListUnmaterializedMedia(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.MaterializeMedia(ctx, msg.ID, []byte("OggS"), ""))

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, Audio{Media: Media{Handle: "media-9", Data: []byte("OggS"), MimeType: "audio/ogg"}, VoiceNote: true}, msgs[0].Content)

	pending, err = store.ListUnmaterializedMedia(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMockStore_TouchNeverReassigns(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.CreateAgent(ctx, &Agent{ID: "a1", Username: "alice"}))

	conv, err := store.CreateConversation(ctx, "+1555", func(ctx context.Context, rs RoutingState) (string, error) {
		return "a1", nil
	})
	require.NoError(t, err)

	require.NoError(t, store.TouchConversation(ctx, conv.ID, 3, "a1"))
	require.NoError(t, store.TouchConversation(ctx, conv.ID, -5, ""))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AssignedAgentID)
	assert.Equal(t, 0, got.UnreadCount)
	assert.Equal(t, "a1", got.UnreadOwner)
}
