package store

import (
	"context"
	"errors"
	"time"

	"github.com/opensesame/sesame/internal/content"
)

var (
	// ErrIntegrityConflict reports a write rejected by the message numbering
	// constraint, typically a race with another writer.
	ErrIntegrityConflict = errors.New("store: integrity conflict")

	// ErrNotFound reports a missing conversation.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidInput reports a malformed request.
	ErrInvalidInput = errors.New("store: invalid input")
)

// DefaultSearchLimit caps SearchMessages when no limit is given.
const DefaultSearchLimit = 50

// Conversation is the metadata row of a conversation.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LanguageCode string    `json:"language_code"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationUpdate lists the fields to change; nil fields are kept.
type ConversationUpdate struct {
	Title    *string `json:"title,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// ListOptions filters ListConversations.
type ListOptions struct {
	Limit           int
	IncludeArchived bool
}

// StoredMessage is a persisted message with its storage-assigned identity.
type StoredMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Number         int64         `json:"message_number"`
	Role           string        `json:"role"`
	Content        content.Value `json:"content"`
	LanguageCode   string        `json:"language_code"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Message returns the semantic message.
func (m StoredMessage) Message() content.Message {
	return content.Message{Role: m.Role, Content: m.Content, LanguageCode: m.LanguageCode}
}

// SnapshotOf rebuilds the snapshot a producer would send for msgs. Language
// codes equal to the conversation language are dropped, since they were
// stamped at write time rather than supplied by the producer.
func SnapshotOf(msgs []StoredMessage, conversationLanguage string) content.Snapshot {
	snap := make(content.Snapshot, len(msgs))
	for i, m := range msgs {
		snap[i] = m.Message()
		if snap[i].LanguageCode == conversationLanguage {
			snap[i].LanguageCode = ""
		}
	}
	return snap
}

// Backend is implemented by every storage driver.
type Backend interface {
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error)
	UpdateConversation(ctx context.Context, id string, u ConversationUpdate) (Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessages inserts msgs after the existing history.
	AppendMessages(ctx context.Context, conversationID string, msgs []content.Message) error
	// ReplaceMessages rewrites the history with msgs. With
	// preserveLeadingSystem, a first message with role "system" keeps its
	// row; every other message is removed.
	ReplaceMessages(ctx context.Context, conversationID string, msgs []content.Message, preserveLeadingSystem bool) error

	ListMessages(ctx context.Context, conversationID string) ([]StoredMessage, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]StoredMessage, error)

	Close() error
}

var _ Backend = (*Store)(nil)
