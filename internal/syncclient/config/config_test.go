package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomsync/loom/internal/syncclient/config"
)

func TestLoadGeneratesAndPersistsAgentID(t *testing.T) {
	dir := t.TempDir()
	c, err := config.Load([]string{"--data-dir", dir})
	require.NoError(t, err)
	require.NotEmpty(t, c.AgentID)

	c2, err := config.Load([]string{"--data-dir", dir})
	require.NoError(t, err)
	assert.Equal(t, c.AgentID, c2.AgentID, "agent id must persist across loads")
}

func TestLoadExplicitAgentIDOverridesPersisted(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load([]string{"--data-dir", dir})
	require.NoError(t, err)

	c, err := config.Load([]string{"--data-dir", dir, "--agent-id", "explicit-agent"})
	require.NoError(t, err)
	assert.Equal(t, "explicit-agent", c.AgentID)
}

func TestLoadDefaultServer(t *testing.T) {
	c, err := config.Load([]string{"--data-dir", filepath.Join(t.TempDir(), "x")})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4327", c.ServerURL)
}

func TestLoadRejectsMalformedAgentID(t *testing.T) {
	_, err := config.Load([]string{"--data-dir", t.TempDir(), "--agent-id", "Not A Slug!"})
	assert.Error(t, err)
}

func TestLoadRejectsTraversalInDataDir(t *testing.T) {
	_, err := config.Load([]string{"--data-dir", t.TempDir() + "/../escaped"})
	assert.Error(t, err)
}
