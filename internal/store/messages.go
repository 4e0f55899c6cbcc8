package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensesame/sesame/internal/content"
)

// AppendMessages inserts msgs after the current history of conversationID.
// Numbers are assigned inside the transaction; a concurrent writer that
// claimed the same numbers surfaces as ErrIntegrityConflict and nothing is
// written.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs []content.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		lang, err := conversationLanguage(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		last, err := lastMessageNumber(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := s.insertMessages(ctx, tx, conversationID, lang, last, msgs, now); err != nil {
			return err
		}
		return touchConversation(ctx, tx, conversationID, now)
	})
}

// ReplaceMessages rewrites the history of conversationID with msgs.
//
// With preserveLeadingSystem, the lowest-numbered row survives when its role
// is "system": it keeps its id and number. If msgs also starts with a system
// message, that message's content is written into the kept row instead of
// being inserted again.
func (s *Store) ReplaceMessages(ctx context.Context, conversationID string, msgs []content.Message, preserveLeadingSystem bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		lang, err := conversationLanguage(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		now := s.now()

		var kept *leadingRow
		if preserveLeadingSystem {
			row, err := firstMessage(ctx, tx, conversationID)
			if err != nil {
				return err
			}
			if row != nil && row.role == content.RoleSystem {
				kept = row
			}
		}

		rest := msgs
		var last int64
		if kept == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
				return fmt.Errorf("clear messages: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM messages WHERE conversation_id = ? AND id <> ?`,
				conversationID, kept.id); err != nil {
				return fmt.Errorf("clear messages: %w", err)
			}
			last = kept.number
			if len(rest) > 0 && rest[0].Role == content.RoleSystem {
				if err := updateMessage(ctx, tx, kept.id, lang, rest[0], now); err != nil {
					return err
				}
				rest = rest[1:]
			}
		}

		if err := s.insertMessages(ctx, tx, conversationID, lang, last, rest, now); err != nil {
			return err
		}
		return touchConversation(ctx, tx, conversationID, now)
	})
}

type leadingRow struct {
	id     string
	number int64
	role   string
}

func firstMessage(ctx context.Context, tx *sql.Tx, conversationID string) (*leadingRow, error) {
	var row leadingRow
	err := tx.QueryRowContext(ctx, `
		SELECT id, message_number, role
		FROM messages
		WHERE conversation_id = ?
		ORDER BY message_number ASC
		LIMIT 1
	`, conversationID).Scan(&row.id, &row.number, &row.role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query leading message: %w", err)
	}
	return &row, nil
}

func lastMessageNumber(ctx context.Context, tx *sql.Tx, conversationID string) (int64, error) {
	var last int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(message_number), 0) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last message number: %w", err)
	}
	return last, nil
}

func (s *Store) insertMessages(ctx context.Context, tx *sql.Tx, conversationID, lang string, after int64, msgs []content.Message, now time.Time) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, message_number, role, content, language_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	ts := formatTime(now)
	for i, m := range msgs {
		if m.Role == "" {
			return fmt.Errorf("message %d: empty role: %w", i, ErrInvalidInput)
		}
		body, err := EncodeContent(m.Content)
		if err != nil {
			return fmt.Errorf("message %d: %w: %w", i, ErrInvalidInput, err)
		}
		msgLang := m.LanguageCode
		if msgLang == "" {
			msgLang = lang
		}
		number := after + int64(i) + 1
		if _, err := stmt.ExecContext(ctx, s.newID(), conversationID, number, m.Role, body, msgLang, ts, ts); err != nil {
			return writeError("insert message", err)
		}
	}
	return nil
}

func updateMessage(ctx context.Context, tx *sql.Tx, id, lang string, m content.Message, now time.Time) error {
	body, err := EncodeContent(m.Content)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	msgLang := m.LanguageCode
	if msgLang == "" {
		msgLang = lang
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, language_code = ?, updated_at = ? WHERE id = ?`,
		body, msgLang, formatTime(now), id)
	if err != nil {
		return writeError("update message", err)
	}
	return nil
}

func conversationLanguage(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var lang string
	err := tx.QueryRowContext(ctx, `SELECT language_code FROM conversations WHERE id = ?`, id).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query conversation: %w", err)
	}
	if lang == "" {
		lang = content.DefaultLanguage
	}
	return lang, nil
}

func requireConversation(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := conversationLanguage(ctx, tx, id)
	return err
}

func touchConversation(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(now), id); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}
