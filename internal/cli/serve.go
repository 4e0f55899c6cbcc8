package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensesame/sesame/internal/config"
	"github.com/opensesame/sesame/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and context sync endpoint",
		Long: `Serve the conversation API and the websocket context sync endpoint.

Each websocket session drives its own sync engine bound to the configured
storage. On SIGINT or SIGTERM the listener stops and open sessions are
drained before the process exits.

When --config names a file, edits to it change the log level without a
restart.

Examples:
  sesame serve
  sesame serve --addr :9090 --dsn postgres://localhost/sesame
  sesame serve --config sesame.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			logger.Error("error closing storage", "error", closeErr)
		}
	}()

	if opts.ConfigPath != "" {
		stop, err := watchLogLevel(opts.RootOptions, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to watch config", err)
		}
		defer stop()
	}

	srv := server.New(b, server.Config{
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		DefaultLanguage: cfg.Engine.DefaultLanguage,
		DispatchTimeout: cfg.Engine.DispatchTimeout,
	}, server.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting", "addr", cfg.Server.Addr, "dsn_scheme", dsnScheme(cfg.Storage.DSN))
	if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("stopped")
	return nil
}

// watchLogLevel reloads the config file on change and applies its log
// level. The returned func stops watching.
func watchLogLevel(opts *RootOptions, logger *slog.Logger) (func(), error) {
	loader := config.NewLoader(config.WithConfigFile(opts.ConfigPath))
	w, err := config.NewWatcher(config.WithWatcherLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(opts.ConfigPath); err != nil {
		_ = w.Stop()
		return nil, err
	}
	w.OnChange(func(path string) {
		cfg, err := loader.Reload()
		if err != nil {
			logger.Warn("ignoring config change", "path", path, "error", err)
			return
		}
		opts.setLevel(cfg.Log.Level)
		logger.Info("config reloaded", "path", path, "log_level", cfg.Log.Level)
	})
	w.StartAsync()
	return func() { _ = w.Stop() }, nil
}

// dsnScheme names the storage kind without logging credentials.
func dsnScheme(dsn string) string {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		return "file"
	}
	return scheme
}
