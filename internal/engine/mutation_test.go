package engine

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensesame/sesame/internal/content"
)

var (
	sys   = content.Text(content.RoleSystem, "You are a helpful assistant.")
	hi    = content.Text(content.RoleUser, "hi")
	hello = content.Text(content.RoleAssistant, "hello")
	bye   = content.Text(content.RoleUser, "bye")
)

func TestDiffAppend(t *testing.T) {
	m := Diff(content.Snapshot{sys, hi}, content.Snapshot{sys, hi, hello})
	assert.Equal(t, ActionAppend, m.Action)
	require.Len(t, m.Items, 1)
	assert.True(t, m.Items[0].Equal(hello))
}

func TestDiffReplaceOnEdit(t *testing.T) {
	m := Diff(content.Snapshot{sys, hi, hello}, content.Snapshot{sys, bye})
	assert.Equal(t, ActionReplace, m.Action)
	assert.True(t, content.Snapshot{sys, bye}.Equal(m.Items))
}

func TestDiffReplaceOnTruncation(t *testing.T) {
	m := Diff(content.Snapshot{sys, hi, hello}, content.Snapshot{sys, hi})
	assert.Equal(t, ActionReplace, m.Action)
	assert.Len(t, m.Items, 2)
}

func TestDiffReplaceOnReorder(t *testing.T) {
	m := Diff(content.Snapshot{sys, hi}, content.Snapshot{hi, sys, hello})
	assert.Equal(t, ActionReplace, m.Action)
}

func TestDiffIdenticalIsEmptyAppend(t *testing.T) {
	m := Diff(content.Snapshot{sys, hi}, content.Snapshot{sys, hi})
	assert.True(t, m.Empty())
	assert.NotNil(t, m.Items)
}

func TestDiffFromEmpty(t *testing.T) {
	m := Diff(nil, content.Snapshot{sys})
	assert.Equal(t, ActionAppend, m.Action)
	assert.Len(t, m.Items, 1)

	m = Diff(content.Snapshot{sys}, nil)
	assert.Equal(t, ActionReplace, m.Action)
	assert.Empty(t, m.Items)
}

func TestDiffIgnoresObjectKeyOrder(t *testing.T) {
	a := content.Message{Role: "assistant", Content: content.Object{"type": content.String("text"), "text": content.String("x")}}
	b := content.Message{Role: "assistant", Content: content.Object{"text": content.String("x"), "type": content.String("text")}}

	m := Diff(content.Snapshot{a}, content.Snapshot{b, hi})
	assert.Equal(t, ActionAppend, m.Action)
	assert.Len(t, m.Items, 1)
}

func TestDiffItemsDoNotAliasInput(t *testing.T) {
	next := content.Snapshot{{Role: "user", Content: content.Object{"k": content.String("v")}}}
	m := Diff(nil, next)

	next[0].Content.(content.Object)["k"] = content.String("mutated")
	assert.Equal(t, content.String("v"), m.Items[0].Content.(content.Object)["k"])
}

// randomSnapshot builds a snapshot from a small alphabet so prefixes collide often.
func randomSnapshot(r *rand.Rand, n int) content.Snapshot {
	roles := []string{content.RoleSystem, content.RoleUser, content.RoleAssistant}
	s := make(content.Snapshot, n)
	for i := range s {
		s[i] = content.Message{
			Role:    roles[r.IntN(len(roles))],
			Content: content.Object{"n": content.Int(r.IntN(3))},
		}
	}
	return s
}

func TestDiffProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 500; i++ {
		a := randomSnapshot(r, r.IntN(6))

		// Extensions of a always append exactly the tail.
		tail := randomSnapshot(r, r.IntN(4))
		b := append(a.Clone(), tail...)
		m := Diff(a, b)
		require.Equal(t, ActionAppend, m.Action)
		require.True(t, tail.Equal(m.Items), "append items must be the tail")

		// Anything that is not an extension replaces wholesale.
		c := randomSnapshot(r, r.IntN(8))
		m = Diff(a, c)
		if len(c) >= len(a) && c.HasPrefix(a) {
			assert.Equal(t, ActionAppend, m.Action)
			assert.True(t, c[len(a):].Equal(m.Items))
		} else {
			assert.Equal(t, ActionReplace, m.Action)
			assert.True(t, c.Equal(m.Items))
		}
	}
}

func TestResultEvent(t *testing.T) {
	r := Result{
		Version:  "3",
		Mutation: Mutation{Action: ActionAppend, Items: content.Snapshot{hello}},
		Queued:   true,
	}

	ev, ok := r.Event()
	require.True(t, ok)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"label": "rtvi-ai",
		"type": "storage-item-stored",
		"id": "3",
		"data": {"action": "append", "items": [{"role": "assistant", "content": "hello"}]}
	}`, string(data))
}

func TestResultEventSuppressed(t *testing.T) {
	_, ok := inertResult().Event()
	assert.False(t, ok, "inert results are not acknowledged")

	_, ok = Result{Version: "2", Mutation: Mutation{Action: ActionAppend, Items: content.Snapshot{}}, Queued: true}.Event()
	assert.False(t, ok, "empty appends are not acknowledged")

	ev, ok := Result{Version: "0", Mutation: Mutation{Action: ActionReplace}, Queued: true}.Event()
	require.True(t, ok, "an emptying replace is still acknowledged")
	assert.NotNil(t, ev.Data.Items)
}
