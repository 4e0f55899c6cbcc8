package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment variable prefix.
const DefaultEnvPrefix = "SESAME_"

// Loader loads configuration from a YAML file and the environment.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the configuration file path.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns Default overlaid with the file (if any) and environment.
// The result is validated.
func (l *Loader) Load() (*Config, error) {
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}

	if err := l.k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := l.k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps SESAME_SERVER_MAX_MESSAGE_BYTES to server.max_message_bytes.
// The first underscore after the prefix separates section from key, so keys
// keep their own underscores.
func (l *Loader) envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// Load is shorthand for NewLoader(WithConfigFile(path)).Load().
func Load(path string) (*Config, error) {
	return NewLoader(WithConfigFile(path)).Load()
}

// ErrNoConfigFile is returned by Reload when the loader has no file.
var ErrNoConfigFile = errors.New("config: no file to reload")

// Reload re-reads the file and environment into a fresh configuration.
func (l *Loader) Reload() (*Config, error) {
	if l.filePath == "" {
		return nil, ErrNoConfigFile
	}
	fresh := NewLoader(WithConfigFile(l.filePath), WithEnvPrefix(l.envPrefix))
	return fresh.Load()
}

// FilePath returns the configured file path.
func (l *Loader) FilePath() string {
	return l.filePath
}
