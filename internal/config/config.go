// Package config defines the sesame configuration and how it is loaded.
//
// Sources are layered Default < file (YAML) < environment (SESAME_*).
// Command-line flags are applied on top by the cli package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensesame/sesame/internal/content"
)

// Default configuration values.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultStorageDSN = "sesame.db"

	DefaultServerAddr      = "127.0.0.1:8080"
	DefaultMaxMessageBytes = 1 << 20
	DefaultShutdownTimeout = 10 * time.Second

	DefaultDispatchTimeout = 10 * time.Second
)

// Config is the complete configuration.
type Config struct {
	Log     LogSection     `koanf:"log"`
	Storage StorageSection `koanf:"storage"`
	Server  ServerSection  `koanf:"server"`
	Engine  EngineSection  `koanf:"engine"`
}

// LogSection configures the slog handler.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StorageSection selects the backend. See package backend for DSN forms.
type StorageSection struct {
	DSN string `koanf:"dsn"`
}

// ServerSection configures the HTTP and websocket listener.
type ServerSection struct {
	Addr            string        `koanf:"addr"`
	MaxMessageBytes int64         `koanf:"max_message_bytes"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// EngineSection configures per-conversation sync engines.
type EngineSection struct {
	DefaultLanguage string        `koanf:"default_language"`
	DispatchTimeout time.Duration `koanf:"dispatch_timeout"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Storage: StorageSection{
			DSN: DefaultStorageDSN,
		},
		Server: ServerSection{
			Addr:            DefaultServerAddr,
			MaxMessageBytes: DefaultMaxMessageBytes,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Engine: EngineSection{
			DefaultLanguage: content.DefaultLanguage,
			DispatchTimeout: DefaultDispatchTimeout,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("storage.dsn is required")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxMessageBytes <= 0 {
		return errors.New("server.max_message_bytes must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if strings.TrimSpace(c.Engine.DefaultLanguage) == "" {
		return errors.New("engine.default_language is required")
	}
	if c.Engine.DispatchTimeout < 0 {
		return errors.New("engine.dispatch_timeout must not be negative")
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
}
