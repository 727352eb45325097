package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []int{1000, 2000, 4000, 8000, 10000}, cfg.Server.ReconnectBackoffMs)
	assert.Equal(t, 30, cfg.Server.MaxReconnectAttempts)
	assert.Equal(t, 2000, cfg.Daemon.DiffDebounceMs)
	assert.Equal(t, 60000, cfg.Daemon.IdleTimeoutMs)
	assert.Equal(t, "claude", cfg.Harness.ClaudeBin)
	assert.Equal(t, 1000, cfg.Harness.HistoryLimit)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  ws_url: wss://example.test/ws
  token: file-token
  reconnect_backoff_ms: [100, 200]
daemon:
  diff_debounce_ms: 500
harness:
  claude_bin: /opt/claude/bin/claude
repos:
  allowed:
    - /home/dev/work
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/ws", cfg.Server.WSURL)
	assert.Equal(t, []int{100, 200}, cfg.Server.ReconnectBackoffMs)
	assert.Equal(t, 500, cfg.Daemon.DiffDebounceMs)
	assert.Equal(t, "/opt/claude/bin/claude", cfg.Harness.ClaudeBin)
	assert.Equal(t, []string{"/home/dev/work"}, cfg.Repos.Allowed)
	// Unset fields still get defaults.
	assert.Equal(t, 15000, cfg.Daemon.IdleSweepMs)
}

func TestLoadConfigEnvTokenWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  token: file-token\n"), 0o644))
	t.Setenv("RELAYD_TOKEN", "env-token")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Server.Token)
}

func TestClientIDStable(t *testing.T) {
	dir := t.TempDir()
	first, err := ClientID(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := ClientID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
