// Package backend opens a conversation store from a DSN.
//
//	sesame.db, file:///var/lib/sesame.db, sqlite:///tmp/x.db  SQLite file
//	memory://, :memory:                                       SQLite in memory
//	postgres://user@host/db?sslmode=disable                   PostgreSQL
package backend

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/opensesame/sesame/internal/store"
	"github.com/opensesame/sesame/internal/store/postgres"
)

// Open returns the backend named by dsn.
func Open(dsn string) (store.Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty storage dsn: %w", store.ErrInvalidInput)
	}
	if dsn == ":memory:" {
		return store.Open(":memory:")
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file", "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return store.Open(path)
	case "memory", "mem":
		return store.Open(":memory:")
	case "postgres", "postgresql":
		return postgres.New(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q: %w", scheme, store.ErrInvalidInput)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", fmt.Errorf("storage dsn %q has no path: %w", raw, store.ErrInvalidInput)
	}
	return path, nil
}
