package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Runner     RunnerConfig     `yaml:"runner"`
	Tmux       TmuxConfig       `yaml:"tmux"`
	Extensions ExtensionsConfig `yaml:"extensions"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

type RunnerConfig struct {
	// HistoryBytes is the size of the per-session ring buffer used for
	// subscriber catch-up snapshots.
	HistoryBytes int `yaml:"history_bytes"`
}

// TmuxConfig tunes the attach adapter's native-signal translation policy.
type TmuxConfig struct {
	ReclaimInterval      time.Duration `yaml:"reclaim_interval"`
	FallbackCaptureDelay time.Duration `yaml:"fallback_capture_delay"`
	SnapshotThrottle     time.Duration `yaml:"snapshot_throttle"`
}

type ExtensionsConfig struct {
	Dir            string        `yaml:"dir"`
	Allowlist      []string      `yaml:"allowlist"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	MaxRestarts    int           `yaml:"max_restarts"`
	RestartWindow  time.Duration `yaml:"restart_window"`
	StopGrace      time.Duration `yaml:"stop_grace"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Runner: RunnerConfig{
			HistoryBytes: 256 * 1024,
		},
		Tmux: TmuxConfig{
			ReclaimInterval:      time.Second,
			FallbackCaptureDelay: 120 * time.Millisecond,
			SnapshotThrottle:     500 * time.Millisecond,
		},
		Extensions: ExtensionsConfig{
			RPCTimeout:     5 * time.Second,
			HealthInterval: 10 * time.Second,
			MaxRestarts:    3,
			RestartWindow:  30 * time.Second,
			StopGrace:      3 * time.Second,
		},
	}
}
