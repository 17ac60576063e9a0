package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.Binary != "claude" {
		t.Errorf("expected default agent binary 'claude', got %q", cfg.Agent.Binary)
	}

	if cfg.Pool.MaxAgents != 10 {
		t.Errorf("expected default max agents 10, got %d", cfg.Pool.MaxAgents)
	}

	if cfg.Timeouts.Healthcheck != 10*time.Second {
		t.Errorf("expected healthcheck interval 10s, got %v", cfg.Timeouts.Healthcheck)
	}

	if cfg.Events.BufferSize != 64 {
		t.Errorf("expected event buffer 64, got %d", cfg.Events.BufferSize)
	}

	if cfg.Dashboard.RefreshRate != 100*time.Millisecond {
		t.Errorf("expected refresh rate 100ms, got %v", cfg.Dashboard.RefreshRate)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `agent:
  binary: /usr/local/bin/worker
  default_model: fast-model
pool:
  max_agents: 4
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}

	if cfg.Agent.Binary != "/usr/local/bin/worker" {
		t.Errorf("agent binary = %q", cfg.Agent.Binary)
	}
	if cfg.Agent.DefaultModel != "fast-model" {
		t.Errorf("default model = %q", cfg.Agent.DefaultModel)
	}
	if cfg.Pool.MaxAgents != 4 {
		t.Errorf("max agents = %d", cfg.Pool.MaxAgents)
	}

	// Unset keys keep their defaults.
	if cfg.Events.BufferSize != 64 {
		t.Errorf("expected default event buffer, got %d", cfg.Events.BufferSize)
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
