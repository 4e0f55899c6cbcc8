package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensesame/sesame/internal/backend"
	"github.com/opensesame/sesame/internal/config"
	"github.com/opensesame/sesame/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	DSN        string

	// level is shared by every logger the command builds so a config reload
	// can change it at runtime.
	level *slog.LevelVar
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the sesame CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sesame",
		Short: "sesame - persistent conversation context",
		Long: `Keeps a conversation's stored history in step with the context a
producer keeps sending, appending what grew and replacing what was rewritten.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "storage DSN (overrides storage.dsn)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewConversationsCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig layers defaults, the config file and SESAME_* variables, then
// applies command-line overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(config.WithConfigFile(o.ConfigPath)).Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.DSN != "" {
		cfg.Storage.DSN = o.DSN
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the command's logger. --verbose wins over log.level.
func (o *RootOptions) newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if o.level == nil {
		o.level = new(slog.LevelVar)
	}
	o.setLevel(cfg.Log.Level)

	handlerOpts := &slog.HandlerOptions{Level: o.level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func (o *RootOptions) setLevel(name string) {
	if o.level == nil {
		return
	}
	if o.Verbose {
		o.level.Set(slog.LevelDebug)
		return
	}
	level, err := config.ParseLevel(name)
	if err != nil {
		return
	}
	o.level.Set(level)
}

// openBackend opens the configured storage.
func openBackend(cfg *config.Config) (store.Backend, error) {
	b, err := backend.Open(cfg.Storage.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	return b, nil
}

// formatter builds an OutputFormatter on the command's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
