// Package config loads the replication server's runtime configuration
// through a layered koanf stack: defaults, an optional YAML file,
// environment variables, then command-line flags, each layer
// overriding the one before it (spec.md §6, SPEC_FULL.md §10.2).
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/loomsync/loom/internal/validate"
)

// Config holds the replication server's runtime configuration.
type Config struct {
	Port     int    // listen port
	Root     string // storage root directory
	LogLevel string // slog level name: debug|info|warn|error
}

// Load builds a Config from defaults, an optional --config YAML file,
// LOOM_-prefixed environment variables (plus the bare STORAGE_ROOT /
// LOG_LEVEL overrides named in spec.md §6), and finally command-line
// flags, each layer overriding the one before it. args is normally
// os.Args[1:].
func Load(args []string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"port":      4327,
		"root":      defaultRoot(),
		"log-level": "info",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	// A first, silent flag pass just to discover --config before the
	// file layer loads; values other than configPath are ignored here.
	peek := flag.NewFlagSet("loom-server", flag.ContinueOnError)
	configPath := peek.String("config", "", "path to a YAML config file")
	peek.Int("port", 0, "")
	peek.String("root", "", "")
	peek.String("log-level", "", "")
	if err := peek.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := k.Load(file.Provider(*configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", *configPath, err)
		}
	}

	if err := k.Load(env.Provider("LOOM_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "LOOM_")), "_", "-")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}
	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		k.Set("root", v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		k.Set("log-level", v)
	}

	// Final flag pass, defaulted from whatever defaults/file/env have
	// produced so far, so an unset flag never clobbers a lower layer.
	fs := flag.NewFlagSet("loom-server", flag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	port := fs.Int("port", k.Int("port"), "listen port")
	root := fs.String("root", k.String("root"), "storage root directory")
	logLevel := fs.String("log-level", k.String("log-level"), "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c := &Config{Port: *port, Root: *root, LogLevel: *logLevel}
	return c, c.Validate()
}

// Validate checks the configuration values and ensures the storage
// root exists.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Root == "" {
		return fmt.Errorf("config: root is required")
	}
	root, err := resolveDir(c.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	c.Root = root
	if err := os.MkdirAll(c.Root, 0o750); err != nil {
		return fmt.Errorf("config: create storage root: %w", err)
	}
	return nil
}

// resolveDir expands a leading ~ against the user's home directory,
// resolves a relative path against the working directory, then runs
// the result through validate.SanitizePath to strip control characters
// and reject traversal before it is ever handed to os.MkdirAll.
func resolveDir(raw string) (string, error) {
	s := raw
	if s == "~" || strings.HasPrefix(s, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		s = validate.SanitizePath(s, home)
		if s == "" {
			return "", fmt.Errorf("invalid path %q", raw)
		}
		return s, nil
	}

	if !filepath.IsAbs(s) {
		abs, err := filepath.Abs(s)
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", raw, err)
		}
		s = abs
	}

	cleaned := validate.SanitizePath(s, "")
	if cleaned == "" {
		return "", fmt.Errorf("invalid path %q", raw)
	}
	return cleaned, nil
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".loom", "data")
	}
	return filepath.Join(home, ".loom", "data")
}

// Addr renders the listen address for net/http.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
