// Package config loads the assistant configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top level assistant configuration.
type Config struct {
	// Model is the chat model identifier.
	Model string `yaml:"model"`

	// MaxTokens is the per-turn completion budget. Responses above 8192
	// tokens switch the backend call to streaming mode.
	MaxTokens int `yaml:"max_tokens"`

	// MaxTurns limits tool-use turns for a single query.
	MaxTurns int `yaml:"max_turns"`

	// MetricsAddr, when set, serves Prometheus metrics at /metrics in
	// monitor mode (e.g. "127.0.0.1:9095").
	MetricsAddr string `yaml:"metrics_addr"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	Context   ContextConfig   `yaml:"context"`
	Tools     ToolsConfig     `yaml:"tools"`
	Audit     AuditConfig     `yaml:"audit"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// AnthropicConfig holds chat backend credentials.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the API endpoint, for proxies and cloud
	// gateways.
	BaseURL string `yaml:"base_url"`
	// Vertex-style credentials, used when APIKey is empty.
	ProjectID string `yaml:"project_id"`
	Region    string `yaml:"region"`
}

// ContextConfig tunes context budgeting.
type ContextConfig struct {
	// AllowExtendedContext opts in to the 1M token window on models
	// that support it.
	AllowExtendedContext bool `yaml:"allow_extended_context"`

	// CompactionThreshold is the exchange count that triggers
	// between-query compaction.
	CompactionThreshold int `yaml:"compaction_threshold"`

	// KeepRecent exchanges are never masked or compacted.
	KeepRecent int `yaml:"keep_recent"`
}

// ToolsConfig gates internal tool behavior.
type ToolsConfig struct {
	// AllowedPaths restricts filesystem tools. Empty means the user's
	// home directory.
	AllowedPaths []string `yaml:"allowed_paths"`

	// AllowedCommands is the execute_command allowlist (basenames).
	AllowedCommands []string `yaml:"allowed_commands"`

	// ConfirmTools lists tools that require operator confirmation.
	ConfirmTools []string `yaml:"confirm_tools"`

	// AllowScriptExecution enables the skill script runner.
	AllowScriptExecution bool `yaml:"allow_script_execution"`

	// CommandTimeout bounds non-interactive execute_command runs.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// ReportsDir is where report artifacts are written.
	ReportsDir string `yaml:"reports_dir"`
}

// AuditConfig configures the append-only tool audit log.
type AuditConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// NotifyConfig selects notification sinks.
type NotifyConfig struct {
	// Sinks names enabled sinks: "console", "file".
	Sinks []string `yaml:"sinks"`
	// FilePath is the target for the file sink.
	FilePath string `yaml:"file_path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 8192,
		MaxTurns:  20,
		Context: ContextConfig{
			CompactionThreshold: 8,
			KeepRecent:          10,
		},
		Tools: ToolsConfig{
			CommandTimeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Sinks: []string{"console"},
		},
	}
}

// Load reads the YAML config at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults apply
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

// LoadDefault loads the config file from the resolved config directory.
func LoadDefault() (*Config, error) {
	return Load(filepath.Join(Dir(), "config.yaml"))
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		cfg.Anthropic.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_PROJECT_ID"); v != "" {
		cfg.Anthropic.ProjectID = v
	}
	if v := os.Getenv("ANTHROPIC_REGION"); v != "" {
		cfg.Anthropic.Region = v
	}
	if v := os.Getenv("AIOPS_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AIOPS_REPORTS_DIR"); v != "" {
		cfg.Tools.ReportsDir = v
	}
	if v := os.Getenv("AIOPS_ALLOW_SCRIPT_EXECUTION"); v != "" {
		cfg.Tools.AllowScriptExecution = parseBool(v)
	}
	if v := os.Getenv("AIOPS_ALLOW_EXTENDED_CONTEXT"); v != "" {
		cfg.Context.AllowExtendedContext = parseBool(v)
	}
}

func normalize(cfg *Config) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.Context.CompactionThreshold <= 0 {
		cfg.Context.CompactionThreshold = 8
	}
	if cfg.Context.KeepRecent <= 0 {
		cfg.Context.KeepRecent = 10
	}
	if cfg.Tools.CommandTimeout <= 0 {
		cfg.Tools.CommandTimeout = 30 * time.Second
	}
	if cfg.Tools.CommandTimeout > 300*time.Second {
		cfg.Tools.CommandTimeout = 300 * time.Second
	}
	if len(cfg.Tools.AllowedPaths) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Tools.AllowedPaths = []string{home}
		}
	}
	if cfg.Tools.ReportsDir == "" {
		cfg.Tools.ReportsDir = filepath.Join(Dir(), "reports")
	}
	if cfg.Audit.Retention <= 0 {
		cfg.Audit.Retention = 7 * 24 * time.Hour
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join(Dir(), "audit.jsonl")
	}
	if cfg.Notify.FilePath == "" {
		cfg.Notify.FilePath = filepath.Join(Dir(), "notifications.jsonl")
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
