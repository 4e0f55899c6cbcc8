package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const messageColumns = `id, conversation_id, message_number, role, content, language_code, created_at`

// ListMessages returns the history of conversationID ordered by message
// number. Returns an empty slice (not nil) for an empty conversation and
// ErrNotFound for an unknown one.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]StoredMessage, error) {
	var msgs []StoredMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			ORDER BY message_number ASC
		`, conversationID)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		msgs, err = scanMessages(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// SearchMessages returns messages whose stored content contains query,
// newest first. A non-positive limit means DefaultSearchLimit.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]StoredMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query: %w", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, conversation_id ASC, message_number DESC
		LIMIT ?
	`, "%"+EscapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	defer rows.Close()

	msgs := []StoredMessage{}
	for rows.Next() {
		var (
			m       StoredMessage
			body    string
			created string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Number, &m.Role, &body, &m.LanguageCode, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		v, err := DecodeContent(body)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.Content = v
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
