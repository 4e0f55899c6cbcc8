package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sesame", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"sync"},
		{"history"},
		{"test"},
		{"conversations", "list"},
		{"conversations", "create"},
		{"conversations", "delete"},
	}

	for _, path := range commands {
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("dsn"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "conversations", "list", "--dsn", testDSN(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestLoadConfig_Overrides(t *testing.T) {
	opts := &RootOptions{DSN: "memory://", Verbose: true}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.Storage.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	opts := &RootOptions{ConfigPath: "/nonexistent/sesame.yaml"}
	_, err := opts.loadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestNewLogger_Level(t *testing.T) {
	opts := &RootOptions{}
	cfg, err := (&RootOptions{}).loadConfig()
	require.NoError(t, err)

	cfg.Log.Level = "warn"
	logger := opts.newLogger(cfg, io.Discard)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))

	opts.setLevel("debug")
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))

	opts.setLevel("bogus")
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug), "unknown levels are ignored")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad path")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "scenarios failed", io.EOF))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, io.EOF)
	assert.Equal(t, "scenarios failed: EOF", WrapExitError(ExitFailure, "scenarios failed", io.EOF).Error())
}
