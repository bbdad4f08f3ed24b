// Package config provides configuration management for overseer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// OverseerDir is the overseer configuration directory.
	OverseerDir = ".overseer"
)

// Config is the root configuration for the orchestrator core.
type Config struct {
	// ReposBaseDir holds one bare clone per distinct remote URL.
	ReposBaseDir string `yaml:"repos_base_dir"`
	// WorktreesDir holds one linked worktree per task.
	WorktreesDir string `yaml:"worktrees_dir"`
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`
	// ListenAddr is the address for the event-stream API.
	ListenAddr string `yaml:"listen_addr"`

	Agent   AgentConfig   `yaml:"agent"`
	Events  EventsConfig  `yaml:"events"`
	Watcher WatcherConfig `yaml:"watcher"`
	Git     GitConfig     `yaml:"git"`
	Hosting HostingConfig `yaml:"hosting"`
}

// AgentConfig controls agent run deadlines and the CLI runner.
type AgentConfig struct {
	// DefaultTimeout is the initial deadline per agent run.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// WarningThreshold is how long before the deadline the warning fires.
	WarningThreshold time.Duration `yaml:"warning_threshold"`
	// Extension is the grant added by ExtendTimeout, rebased to now.
	Extension time.Duration `yaml:"extension"`
	// SilenceWarning is the first-output silence threshold for the runner.
	SilenceWarning time.Duration `yaml:"silence_warning"`
	// DefaultType selects the coding CLI when a task does not specify one.
	DefaultType string `yaml:"default_type"`
	// DefaultModel is passed to the CLI when a task does not specify one.
	DefaultModel string `yaml:"default_model,omitempty"`
}

// EventsConfig controls per-task buffers on the event bus.
type EventsConfig struct {
	// LogCapPerTask is the ring-buffer size for agent logs.
	LogCapPerTask int `yaml:"log_cap_per_task"`
	// ChatCapPerTask is the ring-buffer size for chat/tool events.
	ChatCapPerTask int `yaml:"chat_cap_per_task"`
	// SubscriberBuffer is the bounded in-flight queue per subscriber.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// LogRetention is how long a terminal task's log buffer is kept.
	LogRetention time.Duration `yaml:"log_retention"`
}

// WatcherConfig controls the PR watcher.
type WatcherConfig struct {
	// PollInterval is the PR watcher cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// GitConfig controls worktree management.
type GitConfig struct {
	// MaxFileContentBytes is the per-file limit for inline diff content.
	MaxFileContentBytes int `yaml:"max_file_content_bytes"`
	// CommitterName is the fixed committer identity configured per worktree.
	CommitterName string `yaml:"committer_name"`
	// CommitterEmail is the fixed committer identity configured per worktree.
	CommitterEmail string `yaml:"committer_email"`
}

// HostingConfig controls forge adapter construction.
type HostingConfig struct {
	// BaseURL overrides the API endpoint for GitHub Enterprise or
	// self-hosted GitLab. Empty means the public cloud endpoint.
	BaseURL string `yaml:"base_url,omitempty"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, OverseerDir)
	return &Config{
		ReposBaseDir: filepath.Join(base, "repos"),
		WorktreesDir: filepath.Join(base, "worktrees"),
		DBPath:       filepath.Join(base, "overseer.db"),
		ListenAddr:   "127.0.0.1:4966",
		Agent: AgentConfig{
			DefaultTimeout:   10 * time.Minute,
			WarningThreshold: 5 * time.Minute,
			Extension:        5 * time.Minute,
			SilenceWarning:   30 * time.Second,
			DefaultType:      "claude-code",
		},
		Events: EventsConfig{
			LogCapPerTask:    1000,
			ChatCapPerTask:   500,
			SubscriberBuffer: 100,
			LogRetention:     5 * time.Minute,
		},
		Watcher: WatcherConfig{
			PollInterval: 60 * time.Second,
		},
		Git: GitConfig{
			MaxFileContentBytes: 100 * 1024,
			CommitterName:       "Overseer Agent",
			CommitterEmail:      "agent@overseer.local",
		},
	}
}

// Load reads configuration from path, applying defaults for unset fields.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks invariants that other components rely on.
func (c *Config) Validate() error {
	if c.ReposBaseDir == "" {
		return fmt.Errorf("repos_base_dir must not be empty")
	}
	if c.WorktreesDir == "" {
		return fmt.Errorf("worktrees_dir must not be empty")
	}
	if c.Agent.DefaultTimeout <= 0 {
		return fmt.Errorf("agent.default_timeout must be positive")
	}
	if c.Agent.WarningThreshold <= 0 || c.Agent.WarningThreshold >= c.Agent.DefaultTimeout {
		return fmt.Errorf("agent.warning_threshold must be positive and below agent.default_timeout")
	}
	if c.Events.LogCapPerTask <= 0 || c.Events.ChatCapPerTask <= 0 {
		return fmt.Errorf("event buffer caps must be positive")
	}
	return nil
}
