package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/opensesame/sesame/internal/content"
)

// timeLayout is fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// EncodeContent renders message content as canonical JSON for storage.
func EncodeContent(v content.Value) (string, error) {
	b, err := content.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return string(b), nil
}

// DecodeContent parses stored content.
func DecodeContent(s string) (content.Value, error) {
	v, err := content.Parse([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode stored content: %w", err)
	}
	return v, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// writeError wraps err for op, tagging unique violations as
// ErrIntegrityConflict.
func writeError(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrIntegrityConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// EscapeLike escapes LIKE wildcards in s using backslash.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
