package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/store"
)

const messageColumns = `id, conversation_id, message_number, role, content, language_code, created_at`

// AppendMessages inserts msgs after the current history.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs []content.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		lang, err := s.conversationLanguage(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		var last int64
		query := fmt.Sprintf(`SELECT COALESCE(MAX(message_number), 0) FROM %s WHERE conversation_id = $1`, s.messagesTable())
		if err := tx.QueryRowContext(ctx, query, conversationID).Scan(&last); err != nil {
			return fmt.Errorf("query last message number: %w", err)
		}
		now := s.now().UTC()
		if err := s.insertMessages(ctx, tx, conversationID, lang, last, msgs, now); err != nil {
			return err
		}
		return s.touch(ctx, tx, conversationID, now)
	})
}

// ReplaceMessages rewrites the history. See store.Store.ReplaceMessages for
// the leading system row rule.
func (s *Store) ReplaceMessages(ctx context.Context, conversationID string, msgs []content.Message, preserveLeadingSystem bool) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		lang, err := s.conversationLanguage(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		now := s.now().UTC()

		var (
			keptID     string
			keptNumber int64
			keptRole   string
		)
		if preserveLeadingSystem {
			query := fmt.Sprintf(`
				SELECT id, message_number, role FROM %s
				WHERE conversation_id = $1
				ORDER BY message_number ASC
				LIMIT 1
				FOR UPDATE`, s.messagesTable())
			err := tx.QueryRowContext(ctx, query, conversationID).Scan(&keptID, &keptNumber, &keptRole)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("query leading message: %w", err)
			}
			if keptRole != content.RoleSystem {
				keptID, keptNumber = "", 0
			}
		}

		rest := msgs
		if keptID == "" {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, s.messagesTable()), conversationID); err != nil {
				return fmt.Errorf("clear messages: %w", err)
			}
		} else {
			query := fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1 AND id <> $2`, s.messagesTable())
			if _, err := tx.ExecContext(ctx, query, conversationID, keptID); err != nil {
				return fmt.Errorf("clear messages: %w", err)
			}
			if len(rest) > 0 && rest[0].Role == content.RoleSystem {
				body, err := store.EncodeContent(rest[0].Content)
				if err != nil {
					return fmt.Errorf("%w: %w", store.ErrInvalidInput, err)
				}
				query := fmt.Sprintf(`UPDATE %s SET content = $2, language_code = $3, updated_at = $4 WHERE id = $1`, s.messagesTable())
				if _, err := tx.ExecContext(ctx, query, keptID, body, languageOr(rest[0].LanguageCode, lang), now); err != nil {
					return writeError("update message", err)
				}
				rest = rest[1:]
			}
		}

		if err := s.insertMessages(ctx, tx, conversationID, lang, keptNumber, rest, now); err != nil {
			return err
		}
		return s.touch(ctx, tx, conversationID, now)
	})
}

// ListMessages returns the history ordered by message number.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]store.StoredMessage, error) {
	var msgs []store.StoredMessage
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.conversationLanguage(ctx, tx, conversationID); err != nil {
			return err
		}
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE conversation_id = $1 ORDER BY message_number ASC`,
			messageColumns, s.messagesTable())
		rows, err := tx.QueryContext(ctx, query, conversationID)
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

// SearchMessages returns messages whose content contains query, newest first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]store.StoredMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query: %w", store.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = store.DefaultSearchLimit
	}
	var msgs []store.StoredMessage
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		q := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE content ILIKE $1 ESCAPE '\'
			ORDER BY created_at DESC, conversation_id ASC, message_number DESC
			LIMIT $2`, messageColumns, s.messagesTable())
		rows, err := tx.QueryContext(ctx, q, "%"+store.EscapeLike(query)+"%", limit)
		if err != nil {
			return fmt.Errorf("search messages: %w", err)
		}
		msgs, err = scanMessages(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) insertMessages(ctx context.Context, tx *sql.Tx, conversationID, lang string, after int64, msgs []content.Message, now time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, conversation_id, message_number, role, content, language_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`, s.messagesTable())
	for i, m := range msgs {
		if m.Role == "" {
			return fmt.Errorf("message %d: empty role: %w", i, store.ErrInvalidInput)
		}
		body, err := store.EncodeContent(m.Content)
		if err != nil {
			return fmt.Errorf("message %d: %w: %w", i, store.ErrInvalidInput, err)
		}
		number := after + int64(i) + 1
		if _, err := tx.ExecContext(ctx, query, s.newID(), conversationID, number, m.Role, body, languageOr(m.LanguageCode, lang), now); err != nil {
			return writeError("insert message", err)
		}
	}
	return nil
}

func (s *Store) touch(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET updated_at = $2 WHERE id = $1`, s.conversationsTable())
	if _, err := tx.ExecContext(ctx, query, id, now); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]store.StoredMessage, error) {
	defer rows.Close()

	msgs := []store.StoredMessage{}
	for rows.Next() {
		var (
			m    store.StoredMessage
			body string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Number, &m.Role, &body, &m.LanguageCode, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		v, err := store.DecodeContent(body)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.Content = v
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
