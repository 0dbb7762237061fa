package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Runner.HistoryBytes != 256*1024 {
		t.Errorf("history bytes = %d, want 256KiB", cfg.Runner.HistoryBytes)
	}
	if cfg.Tmux.ReclaimInterval != time.Second ||
		cfg.Tmux.FallbackCaptureDelay != 120*time.Millisecond ||
		cfg.Tmux.SnapshotThrottle != 500*time.Millisecond {
		t.Errorf("tmux policy defaults = %+v", cfg.Tmux)
	}
	if cfg.Extensions.MaxRestarts != 3 || cfg.Extensions.RestartWindow != 30*time.Second {
		t.Errorf("extension defaults = %+v", cfg.Extensions)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9100
  auth_token: secret
tmux:
  reclaim_interval: 2s
extensions:
  allowlist:
    - /opt/extensions/docker
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Server.AuthToken != "secret" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Tmux.ReclaimInterval != 2*time.Second {
		t.Errorf("reclaim_interval = %v, want 2s", cfg.Tmux.ReclaimInterval)
	}
	// Untouched fields keep their defaults.
	if cfg.Tmux.FallbackCaptureDelay != 120*time.Millisecond {
		t.Errorf("fallback_capture_delay = %v, want default", cfg.Tmux.FallbackCaptureDelay)
	}
	if cfg.Runner.HistoryBytes != 256*1024 {
		t.Errorf("history_bytes = %d, want default", cfg.Runner.HistoryBytes)
	}
	if len(cfg.Extensions.Allowlist) != 1 {
		t.Errorf("allowlist = %v", cfg.Extensions.Allowlist)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Fatalf("Load missing file err = %v, want not-exist", err)
	}
}
