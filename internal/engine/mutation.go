package engine

import (
	"strconv"

	"github.com/opensesame/sesame/internal/content"
)

// Action tags a mutation.
type Action string

const (
	// ActionAppend adds the items after the stored history.
	ActionAppend Action = "append"
	// ActionReplace rewrites the stored history with the items, keeping a
	// leading system message.
	ActionReplace Action = "replace"
)

// Mutation is a storage instruction produced by Diff.
type Mutation struct {
	Action Action
	Items  content.Snapshot
}

// Empty reports whether the mutation is an append with nothing to add.
func (m Mutation) Empty() bool {
	return m.Action == ActionAppend && len(m.Items) == 0
}

// Diff classifies next against current. When current is a structural prefix
// of next the result appends the tail; otherwise next replaces everything.
// The returned items never alias next.
func Diff(current, next content.Snapshot) Mutation {
	if len(next) >= len(current) && next.HasPrefix(current) {
		return Mutation{Action: ActionAppend, Items: next[len(current):].Clone()}
	}
	return Mutation{Action: ActionReplace, Items: next.Clone()}
}

// Result is returned by Save.
type Result struct {
	// Version identifies the saved state: the resulting snapshot length.
	Version string

	// Mutation is what was queued for storage.
	Mutation Mutation

	// Queued is false when the engine was no longer accepting saves.
	Queued bool
}

func inertResult() Result {
	return Result{
		Version:  "0",
		Mutation: Mutation{Action: ActionAppend, Items: content.Snapshot{}},
	}
}

func versionOf(s content.Snapshot) string {
	return strconv.Itoa(len(s))
}
