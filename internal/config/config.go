package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Harness HarnessConfig `yaml:"harness"`
	Repos   ReposConfig   `yaml:"repos"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	WSURL                string `yaml:"ws_url"`
	APIURL               string `yaml:"api_url"`
	Token                string `yaml:"token"`
	ReconnectBackoffMs   []int  `yaml:"reconnect_backoff_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	HeartbeatIntervalMs  int    `yaml:"heartbeat_interval_ms"`
}

type DaemonConfig struct {
	StateDir         string `yaml:"state_dir"`
	DiffDebounceMs   int    `yaml:"diff_debounce_ms"`
	IdleTimeoutMs    int    `yaml:"idle_timeout_ms"`
	IdleSweepMs      int    `yaml:"idle_sweep_ms"`
	RescanIntervalMs int    `yaml:"rescan_interval_ms"`
}

type HarnessConfig struct {
	ClaudeBin             string `yaml:"claude_bin"`
	DefaultPermissionMode string `yaml:"default_permission_mode"`
	LaunchGraceMs         int    `yaml:"launch_grace_ms"`
	KillGraceMs           int    `yaml:"kill_grace_ms"`
	HistoryLimit          int    `yaml:"history_limit"`
	ParseStateLimit       int    `yaml:"parse_state_limit"`
}

type ReposConfig struct {
	// Allowed restricts tracking and spawning to repos under these
	// paths. Empty means no restriction.
	Allowed []string `yaml:"allowed"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoadConfig reads the YAML config at path and applies defaults. A
// missing file is not an error; the daemon runs on defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, err
	}

	// Set defaults
	if cfg.Server.WSURL == "" {
		cfg.Server.WSURL = "wss://relay.agent-relay.dev/daemon/ws"
	}
	if cfg.Server.APIURL == "" {
		cfg.Server.APIURL = "https://relay.agent-relay.dev/api"
	}
	if len(cfg.Server.ReconnectBackoffMs) == 0 {
		cfg.Server.ReconnectBackoffMs = []int{1000, 2000, 4000, 8000, 10000}
	}
	if cfg.Server.MaxReconnectAttempts == 0 {
		cfg.Server.MaxReconnectAttempts = 30
	}
	if cfg.Server.HeartbeatIntervalMs == 0 {
		cfg.Server.HeartbeatIntervalMs = 30000
	}
	if cfg.Daemon.StateDir == "" {
		cfg.Daemon.StateDir = defaultStateDir()
	}
	if cfg.Daemon.DiffDebounceMs == 0 {
		cfg.Daemon.DiffDebounceMs = 2000
	}
	if cfg.Daemon.IdleTimeoutMs == 0 {
		cfg.Daemon.IdleTimeoutMs = 60000
	}
	if cfg.Daemon.IdleSweepMs == 0 {
		cfg.Daemon.IdleSweepMs = 15000
	}
	if cfg.Daemon.RescanIntervalMs == 0 {
		cfg.Daemon.RescanIntervalMs = 30000
	}
	if cfg.Harness.ClaudeBin == "" {
		cfg.Harness.ClaudeBin = "claude"
	}
	if cfg.Harness.DefaultPermissionMode == "" {
		cfg.Harness.DefaultPermissionMode = "default"
	}
	if cfg.Harness.LaunchGraceMs == 0 {
		cfg.Harness.LaunchGraceMs = 2000
	}
	if cfg.Harness.KillGraceMs == 0 {
		cfg.Harness.KillGraceMs = 5000
	}
	if cfg.Harness.HistoryLimit == 0 {
		cfg.Harness.HistoryLimit = 1000
	}
	if cfg.Harness.ParseStateLimit == 0 {
		cfg.Harness.ParseStateLimit = 50
	}

	// Optional environment overrides for secrets.
	if envToken := os.Getenv("RELAYD_TOKEN"); envToken != "" {
		cfg.Server.Token = envToken
	}

	return &cfg, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/relayd"
	}
	return filepath.Join(home, ".relayd")
}

// DefaultPath is where LoadConfig looks when no -config flag is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/relayd/config.yaml"
	}
	return filepath.Join(home, ".relayd", "config.yaml")
}

// ClientID returns the stable install identifier, generating and
// persisting one under stateDir on first run.
func ClientID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "client_id")
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("creating state dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persisting client id: %w", err)
	}
	return id, nil
}
