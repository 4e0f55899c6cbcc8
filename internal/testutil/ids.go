package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs hands out predictable ids: prefix-0001, prefix-0002, ...
//
// Stores accept it as their id generator so golden output and assertions do
// not depend on random UUIDs. Safe for concurrent use.
type SequentialIDs struct {
	prefix string

	mu sync.Mutex
	n  int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Next returns the next id.
func (g *SequentialIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
