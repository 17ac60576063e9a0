// Package config handles configuration loading and management for
// backlogd. It supports XDG config paths, project-level overrides, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for backlogd.
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Events    EventsConfig    `mapstructure:"events"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// AgentConfig holds settings for spawned agent subprocesses.
type AgentConfig struct {
	// Binary is the agent executable launched per agent.
	Binary string `mapstructure:"binary"`
	// DefaultModel is passed as --model when a spawn request omits one.
	DefaultModel string `mapstructure:"default_model"`
}

// PoolConfig holds agent pool limits.
type PoolConfig struct {
	MaxAgents int `mapstructure:"max_agents"`
}

// TimeoutsConfig holds timeout settings.
type TimeoutsConfig struct {
	// Healthcheck is the interval between pool health sweeps.
	Healthcheck time.Duration `mapstructure:"healthcheck"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	// BufferSize is the per-subscriber queue depth.
	BufferSize int `mapstructure:"buffer_size"`
}

// DashboardConfig holds TUI display settings.
type DashboardConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Binary:       "claude",
			DefaultModel: "claude-opus-4-6",
		},
		Pool: PoolConfig{
			MaxAgents: 10,
		},
		Timeouts: TimeoutsConfig{
			Healthcheck: 10 * time.Second,
		},
		Events: EventsConfig{
			BufferSize: 64,
		},
		Dashboard: DashboardConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("agent.binary", d.Agent.Binary)
	v.SetDefault("agent.default_model", d.Agent.DefaultModel)
	v.SetDefault("pool.max_agents", d.Pool.MaxAgents)
	v.SetDefault("timeouts.healthcheck", d.Timeouts.Healthcheck)
	v.SetDefault("events.buffer_size", d.Events.BufferSize)
	v.SetDefault("dashboard.refresh_rate", d.Dashboard.RefreshRate)
}

// getUserConfigDir returns the XDG config directory for backlogd.
func getUserConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "backlogd")
}

// findProjectConfig looks for .backlogd.yaml in the current directory
// and its parents.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".backlogd.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (BACKLOGD_*)
// 2. Project config (.backlogd.yaml in current directory or parent)
// 3. User config (~/.config/backlogd/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("BACKLOGD")
	v.AutomaticEnv()
	v.BindEnv("agent.binary", "BACKLOGD_AGENT_BINARY")
	v.BindEnv("agent.default_model", "BACKLOGD_DEFAULT_MODEL")
	v.BindEnv("pool.max_agents", "BACKLOGD_MAX_AGENTS")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from an explicit file, applying
// defaults for missing keys. Used by tests and --config.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}
