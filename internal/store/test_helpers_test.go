package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensesame/sesame/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// steppingClock advances one second per call so updated_at ordering is
// deterministic.
func steppingClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return testEpoch.Add(time.Duration(n) * time.Second)
	}
}

// createTestStore creates a file-backed store with predictable ids and time.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithIDGenerator(testutil.NewSequentialIDs("msg").Next),
		WithClock(steppingClock()),
	)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestConversation inserts a conversation with the given id.
func createTestConversation(t *testing.T, s *Store, id string) Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), Conversation{ID: id, Title: "test " + id})
	if err != nil {
		t.Fatalf("CreateConversation(%s) failed: %v", id, err)
	}
	return c
}
