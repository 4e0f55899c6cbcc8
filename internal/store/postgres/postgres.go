// Package postgres is the PostgreSQL driver for the conversation store.
//
// It mirrors the SQLite store: the same tables, the same numbering rule
// (MAX + 1 inside the writing transaction, guarded by a unique index) and
// the same sentinel errors from package store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/store"
)

const (
	defaultTablePrefix = "sesame_"
	operationTimeout   = 5 * time.Second

	// uniqueViolation is the SQLSTATE for unique_violation.
	uniqueViolation = pq.ErrorCode("23505")
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store is a store.Backend on PostgreSQL. Tables are created lazily on
// first use.
type Store struct {
	dsn    string
	prefix string
	openDB sqlOpenFunc
	newID  func() string
	now    func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// Option configures a Store.
type Option func(*Store)

// WithTablePrefix namespaces the tables. The default is "sesame_".
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(next func() string) Option {
	return func(s *Store) {
		s.newID = next
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a Store for dsn. No connection is made until first use.
func New(dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn: %w", store.ErrInvalidInput)
	}
	s := &Store{
		dsn:    dsn,
		prefix: defaultTablePrefix,
		openDB: sql.Open,
		newID:  store.NewID,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ store.Backend = (*Store)(nil)

func (s *Store) conversationsTable() string {
	return quoteIdentifier(s.prefix + "conversations")
}

func (s *Store) messagesTable() string {
	return quoteIdentifier(s.prefix + "messages")
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureReady() error {
	if s == nil {
		return store.ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		stmts := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					title TEXT NOT NULL DEFAULT '',
					language_code TEXT NOT NULL DEFAULT 'english',
					archived BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`, s.conversationsTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
					message_number BIGINT NOT NULL CHECK (message_number > 0),
					role TEXT NOT NULL,
					content TEXT NOT NULL,
					language_code TEXT NOT NULL DEFAULT 'english',
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`, s.messagesTable(), s.conversationsTable()),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (conversation_id, message_number)`,
				quoteIdentifier(s.prefix+"messages_conversation_number"), s.messagesTable()),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// withTx runs fn in a transaction bounded by operationTimeout.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return writeError("commit", err)
	}
	committed = true
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func writeError(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %w", op, store.ErrIntegrityConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func languageOr(lang, fallback string) string {
	if lang == "" {
		return fallback
	}
	return lang
}

func defaultLanguage(lang string) string {
	return languageOr(strings.TrimSpace(lang), content.DefaultLanguage)
}
