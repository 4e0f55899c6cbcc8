package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/opensesame/sesame/internal/content"
)

// CreateConversation inserts c. Missing id, language and timestamps are
// filled in; the stored row is returned.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = s.newID()
	}
	if strings.TrimSpace(c.LanguageCode) == "" {
		c.LanguageCode = content.DefaultLanguage
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, language_code, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Title, c.LanguageCode, c.Archived, formatTime(now), formatTime(now))
	if err != nil {
		return Conversation{}, writeError("create conversation", err)
	}

	// Round-trip through the text representation.
	return s.GetConversation(ctx, c.ID)
}

// GetConversation returns the conversation or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, language_code, archived, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id)

	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations, most recently updated first.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	query := `
		SELECT id, title, language_code, archived, created_at, updated_at
		FROM conversations`
	if !opts.IncludeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY updated_at DESC, id ASC`

	args := []any{}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	convs := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// UpdateConversation applies u and returns the updated row.
func (s *Store) UpdateConversation(ctx context.Context, id string, u ConversationUpdate) (Conversation, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireConversation(ctx, tx, id); err != nil {
			return err
		}
		if u.Title != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, *u.Title, id); err != nil {
				return fmt.Errorf("update title: %w", err)
			}
		}
		if u.Archived != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE conversations SET archived = ? WHERE id = ?`, *u.Archived, id); err != nil {
				return fmt.Errorf("update archived: %w", err)
			}
		}
		return touchConversation(ctx, tx, id, s.now())
	})
	if err != nil {
		return Conversation{}, err
	}
	return s.GetConversation(ctx, id)
}

// DeleteConversation removes the conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c                Conversation
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.Title, &c.LanguageCode, &c.Archived, &created, &updated); err != nil {
		return Conversation{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return Conversation{}, err
	}
	return c, nil
}
