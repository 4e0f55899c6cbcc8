package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensesame/sesame/internal/store"
)

const conversationColumns = `id, title, language_code, archived, created_at, updated_at`

// CreateConversation inserts c, filling in id, language and timestamps.
func (s *Store) CreateConversation(ctx context.Context, c store.Conversation) (store.Conversation, error) {
	if c.ID == "" {
		c.ID = s.newID()
	}
	c.LanguageCode = defaultLanguage(c.LanguageCode)
	now := s.now().UTC()

	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := fmt.Sprintf(`
			INSERT INTO %s (id, title, language_code, archived, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)`, s.conversationsTable())
		if _, err := tx.ExecContext(ctx, query, c.ID, c.Title, c.LanguageCode, c.Archived, now); err != nil {
			return writeError("create conversation", err)
		}
		return nil
	})
	if err != nil {
		return store.Conversation{}, err
	}
	return s.GetConversation(ctx, c.ID)
}

// GetConversation returns the conversation or store.ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	var c store.Conversation
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, conversationColumns, s.conversationsTable())
		var err error
		c, err = scanConversation(tx.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get conversation: %w", err)
		}
		return nil
	})
	return c, err
}

// ListConversations returns conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, opts store.ListOptions) ([]store.Conversation, error) {
	convs := []store.Conversation{}
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s`, conversationColumns, s.conversationsTable())
		if !opts.IncludeArchived {
			query += ` WHERE archived = FALSE`
		}
		query += ` ORDER BY updated_at DESC, id ASC`
		args := []any{}
		if opts.Limit > 0 {
			query += ` LIMIT $1`
			args = append(args, opts.Limit)
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query conversations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanConversation(rows)
			if err != nil {
				return fmt.Errorf("scan conversation: %w", err)
			}
			convs = append(convs, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// UpdateConversation applies u and returns the updated row.
func (s *Store) UpdateConversation(ctx context.Context, id string, u store.ConversationUpdate) (store.Conversation, error) {
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.conversationLanguage(ctx, tx, id); err != nil {
			return err
		}
		query := fmt.Sprintf(`
			UPDATE %s SET
				title = COALESCE($2, title),
				archived = COALESCE($3, archived),
				updated_at = $4
			WHERE id = $1`, s.conversationsTable())
		var title sql.NullString
		if u.Title != nil {
			title = sql.NullString{String: *u.Title, Valid: true}
		}
		var archived sql.NullBool
		if u.Archived != nil {
			archived = sql.NullBool{Bool: *u.Archived, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query, id, title, archived, s.now().UTC()); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Conversation{}, err
	}
	return s.GetConversation(ctx, id)
}

// DeleteConversation removes the conversation; messages cascade.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.conversationsTable()), id)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (store.Conversation, error) {
	var c store.Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.LanguageCode, &c.Archived, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return store.Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *Store) conversationLanguage(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var lang string
	query := fmt.Sprintf(`SELECT language_code FROM %s WHERE id = $1`, s.conversationsTable())
	err := tx.QueryRowContext(ctx, query, id).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query conversation: %w", err)
	}
	return defaultLanguage(lang), nil
}
