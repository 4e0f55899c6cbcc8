package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversations_Lifecycle(t *testing.T) {
	dsn := testDSN(t)

	out, err := execute(t, "--dsn", dsn, "conversations", "create", "--id", "c1", "--title", "Support")
	require.NoError(t, err)
	assert.Equal(t, "c1\n", out)

	_, err = execute(t, "--dsn", dsn, "conv", "create", "--id", "c2", "--language", "french")
	require.NoError(t, err)

	out, err = execute(t, "--dsn", dsn, "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "c1\tenglish\tSupport\n")
	assert.Contains(t, out, "c2\tfrench\t\n")

	out, err = execute(t, "--dsn", dsn, "--format", "json", "conversations", "list", "--limit", "1")
	require.NoError(t, err)
	var resp struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Data, 1)

	out, err = execute(t, "--dsn", dsn, "conversations", "delete", "c1")
	require.NoError(t, err)
	assert.Equal(t, "deleted c1\n", out)

	_, err = execute(t, "--dsn", dsn, "conversations", "delete", "c1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConversations_CreateDuplicate(t *testing.T) {
	dsn := testDSN(t)

	_, err := execute(t, "--dsn", dsn, "conversations", "create", "--id", "c1")
	require.NoError(t, err)
	_, err = execute(t, "--dsn", dsn, "conversations", "create", "--id", "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create conversation")
}

func TestConversations_BadDSN(t *testing.T) {
	_, err := execute(t, "--dsn", "redis://localhost", "conversations", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to open storage")
}

func TestHistory_Search(t *testing.T) {
	dsn := testDSN(t)
	_, err := execute(t, "--dsn", dsn, "sync", "demo", writeLines(t, lineSystemHiHello), "--create")
	require.NoError(t, err)

	out, err := execute(t, "--dsn", dsn, "history", "--search", "hell")
	require.NoError(t, err)
	assert.Equal(t, "demo #3 [assistant] hello\n", out)

	out, err = execute(t, "--dsn", dsn, "history", "--search", "absent")
	require.NoError(t, err)
	assert.Equal(t, "No messages.\n", out)
}

func TestHistory_Errors(t *testing.T) {
	dsn := testDSN(t)

	_, err := execute(t, "--dsn", dsn, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a conversation id or --search is required")

	_, err = execute(t, "--dsn", dsn, "history", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
