// Package config loads the sync client's runtime configuration through
// the same layered koanf stack as the replication server: defaults,
// optional YAML file, environment variables, then flags.
package config

import (
	"encoding/json"
	"errors"
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

	"github.com/loomsync/loom/internal/idgen"
	"github.com/loomsync/loom/internal/validate"
)

// Config holds the sync client's runtime configuration.
type Config struct {
	ServerURL string // replication server base URL, e.g. "http://localhost:4327"
	AgentID   string // this peer's agent_id; generated once and persisted if unset
	DataDir   string // directory for the outbound intent queue and persisted agent id
	LogLevel  string
}

// Load builds a Config the same way internal/replserver/config.Load
// does: defaults < --config YAML file < LOOM_-prefixed env < flags.
func Load(args []string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"server":    "http://localhost:4327",
		"data-dir":  defaultDataDir(),
		"log-level": "info",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	peek := flag.NewFlagSet("loom-client", flag.ContinueOnError)
	configPath := peek.String("config", "", "path to a YAML config file")
	peek.String("server", "", "")
	peek.String("agent-id", "", "")
	peek.String("data-dir", "", "")
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

	fs := flag.NewFlagSet("loom-client", flag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	server := fs.String("server", k.String("server"), "replication server base URL")
	agentID := fs.String("agent-id", k.String("agent-id"), "this peer's agent id (generated and persisted if unset)")
	dataDir := fs.String("data-dir", k.String("data-dir"), "directory for the outbound intent queue")
	logLevel := fs.String("log-level", k.String("log-level"), "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c := &Config{ServerURL: *server, AgentID: *agentID, DataDir: *dataDir, LogLevel: *logLevel}
	return c, c.Validate()
}

// Validate checks the configuration and ensures the data directory
// exists, assigning and persisting a fresh agent id if one was not
// configured.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server URL is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir is required")
	}
	dataDir, err := resolveDir(c.DataDir)
	if err != nil {
		return fmt.Errorf("config: data dir: %w", err)
	}
	c.DataDir = dataDir
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("config: create data dir: %w", err)
	}

	if c.AgentID != "" {
		slug, err := validate.SanitizeSlug("agent-id", c.AgentID)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.AgentID = slug
		return nil
	}

	persisted, err := c.loadPersistedAgentID()
	if err != nil {
		return err
	}
	if persisted != "" {
		c.AgentID = persisted
	} else {
		c.AgentID = idgen.Generate()
		if err := c.savePersistedAgentID(c.AgentID); err != nil {
			return err
		}
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

type persistedIdentity struct {
	AgentID string `json:"agent_id"`
}

func (c *Config) identityPath() string {
	return filepath.Join(c.DataDir, "identity.json")
}

func (c *Config) loadPersistedAgentID() (string, error) {
	data, err := os.ReadFile(c.identityPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var id persistedIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return "", fmt.Errorf("config: malformed identity file: %w", err)
	}
	return id.AgentID, nil
}

func (c *Config) savePersistedAgentID(agentID string) error {
	data, err := json.MarshalIndent(persistedIdentity{AgentID: agentID}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.identityPath(), data, 0o600)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".loom", "client")
	}
	return filepath.Join(home, ".loom", "client")
}
