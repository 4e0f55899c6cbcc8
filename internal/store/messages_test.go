package store

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensesame/sesame/internal/content"
)

func texts(msgs []StoredMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role + ":" + string(m.Content.(content.String))
	}
	return out
}

func numbers(msgs []StoredMessage) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Number
	}
	return out
}

func TestAppendMessages_AssignsIncreasingNumbers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "be brief"),
		content.Text(content.RoleUser, "hi"),
	}))
	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleAssistant, "hello"),
	}))

	msgs, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:be brief", "user:hi", "assistant:hello"}, texts(msgs))
	assert.Equal(t, []int64{1, 2, 3}, numbers(msgs))
	for _, m := range msgs {
		assert.Equal(t, "conv-1", m.ConversationID)
		assert.NotEmpty(t, m.ID)
	}
}

func TestAppendMessages_StampsConversationLanguage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.CreateConversation(ctx, Conversation{ID: "conv-fr", LanguageCode: "french"})
	require.NoError(t, err)

	require.NoError(t, s.AppendMessages(ctx, "conv-fr", []content.Message{
		content.Text(content.RoleUser, "bonjour"),
		{Role: content.RoleUser, Content: content.String("hola"), LanguageCode: "spanish"},
	}))

	msgs, err := s.ListMessages(ctx, "conv-fr")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "french", msgs[0].LanguageCode)
	assert.Equal(t, "spanish", msgs[1].LanguageCode)

	snap := SnapshotOf(msgs, "french")
	assert.Equal(t, "", snap[0].LanguageCode)
	assert.Equal(t, "spanish", snap[1].LanguageCode)
}

func TestAppendMessages_Empty(t *testing.T) {
	s := createTestStore(t)
	// No conversation lookup happens for an empty batch.
	assert.NoError(t, s.AppendMessages(context.Background(), "missing", nil))
}

func TestAppendMessages_UnknownConversation(t *testing.T) {
	s := createTestStore(t)
	err := s.AppendMessages(context.Background(), "missing", []content.Message{
		content.Text(content.RoleUser, "hi"),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessages_StructuredContent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	call := content.Object{
		"tool_calls": content.Array{content.Object{"name": content.String("lookup"), "n": content.Int(2)}},
	}
	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		{Role: content.RoleAssistant, Content: call},
	}))

	msgs, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, content.Equal(call, msgs[0].Content))
}

func TestAppendMessages_RollsBackOnInvalidContent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	err := s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleUser, "first"),
		{Role: content.RoleUser, Content: content.Float(math.NaN())},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)

	msgs, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "first row must be rolled back with the failed one")
}

func TestAppendMessages_RejectsEmptyRole(t *testing.T) {
	s := createTestStore(t)
	createTestConversation(t, s, "conv-1")

	err := s.AppendMessages(context.Background(), "conv-1", []content.Message{{Content: content.String("x")}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReplaceMessages_PreservesLeadingSystemRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "sys"),
		content.Text(content.RoleUser, "hi"),
	}))
	before, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	systemID := before[0].ID

	require.NoError(t, s.ReplaceMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "sys"),
		content.Text(content.RoleUser, "bye"),
	}, true))

	after, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:sys", "user:bye"}, texts(after))
	assert.Equal(t, systemID, after[0].ID, "leading system row keeps its id")
	assert.Equal(t, int64(1), after[0].Number)
	assert.Equal(t, []int64{1, 2}, numbers(after))
}

func TestReplaceMessages_RewritesKeptSystemContent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "old prompt"),
		content.Text(content.RoleUser, "hi"),
	}))
	before, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)

	require.NoError(t, s.ReplaceMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "new prompt"),
	}, true))

	after, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:new prompt"}, texts(after))
	assert.Equal(t, before[0].ID, after[0].ID)
}

func TestReplaceMessages_KeepsSystemRowWhenNewListHasNone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "sys"),
		content.Text(content.RoleUser, "hi"),
	}))

	require.NoError(t, s.ReplaceMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleUser, "fresh"),
	}, true))

	after, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:sys", "user:fresh"}, texts(after))
	assert.Equal(t, []int64{1, 2}, numbers(after))
}

func TestReplaceMessages_NonSystemLeaderIsNotPreserved(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleUser, "hi"),
		content.Text(content.RoleSystem, "late system"),
	}))
	before, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)

	require.NoError(t, s.ReplaceMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleUser, "bye"),
	}, true))

	after, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:bye"}, texts(after))
	assert.NotEqual(t, before[0].ID, after[0].ID)
	assert.Equal(t, []int64{1}, numbers(after))
}

func TestReplaceMessages_WithoutPreserve(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "sys"),
		content.Text(content.RoleUser, "hi"),
	}))
	before, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)

	require.NoError(t, s.ReplaceMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "sys"),
	}, false))

	after, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:sys"}, texts(after))
	assert.NotEqual(t, before[0].ID, after[0].ID)
}

func TestReplaceMessages_EmptyListKeepsOnlySystem(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "sys"),
		content.Text(content.RoleUser, "hi"),
	}))
	require.NoError(t, s.ReplaceMessages(ctx, "conv-1", nil, true))

	after, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:sys"}, texts(after))
}

func TestReplaceMessages_RollsBackOnInvalidContent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "sys"),
		content.Text(content.RoleUser, "hi"),
	}))

	err := s.ReplaceMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleSystem, "sys"),
		{Role: content.RoleUser, Content: content.Float(math.Inf(1))},
	}, true)
	require.ErrorIs(t, err, ErrInvalidInput)

	after, err := s.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:sys", "user:hi"}, texts(after))
}

func TestReplaceMessages_UnknownConversation(t *testing.T) {
	s := createTestStore(t)
	err := s.ReplaceMessages(context.Background(), "missing", nil, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteError_MapsUniqueViolation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")
	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{content.Text(content.RoleUser, "hi")}))

	// A second writer claiming number 1 trips the unique index.
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, message_number, role, content, language_code, created_at, updated_at)
		VALUES ('dup', 'conv-1', 1, 'user', '"x"', 'english', '', '')
	`)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))

	wrapped := writeError("insert message", err)
	assert.ErrorIs(t, wrapped, ErrIntegrityConflict)
	assert.Contains(t, wrapped.Error(), "insert message")
}

func TestWriteError_PassesOtherErrors(t *testing.T) {
	err := writeError("insert message", assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, ErrIntegrityConflict)
}

func TestListMessages_EmptyConversation(t *testing.T) {
	s := createTestStore(t)
	createTestConversation(t, s, "conv-1")

	msgs, err := s.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestSearchMessages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestConversation(t, s, "conv-1")
	createTestConversation(t, s, "conv-2")

	require.NoError(t, s.AppendMessages(ctx, "conv-1", []content.Message{
		content.Text(content.RoleUser, "where is the 100% cotton shirt"),
		content.Text(content.RoleAssistant, "aisle four"),
	}))
	require.NoError(t, s.AppendMessages(ctx, "conv-2", []content.Message{
		content.Text(content.RoleUser, "Cotton socks?"),
	}))

	got, err := s.SearchMessages(ctx, "cotton", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, "conv-2", got[0].ConversationID)
	assert.Equal(t, "conv-1", got[1].ConversationID)

	got, err = s.SearchMessages(ctx, "100%", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.SearchMessages(ctx, "0% c", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.SearchMessages(ctx, "_", 0)
	require.NoError(t, err)
	assert.Empty(t, got, "underscore is matched literally")

	_, err = s.SearchMessages(ctx, "  ", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
