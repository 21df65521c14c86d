// Package config provides configuration loading and management for the
// agent task service. Precedence is defaults, then YAML file, then
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/agentd/task"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Executor ExecutorConfig `yaml:"executor"`
	Retry    RetryConfig    `yaml:"retry"`
	Orphan   OrphanConfig   `yaml:"orphan"`
	Usage    UsageConfig    `yaml:"usage"`
	Telegram TelegramConfig `yaml:"telegram"`
	NATS     NATSConfig     `yaml:"nats"`

	// MaxOutputChars bounds stored task output.
	MaxOutputChars int `yaml:"max_output_chars"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address (host:port).
	Addr string `yaml:"addr"`
}

// StorageConfig selects the task-store backend. Postgres wins over the
// JSON file, which wins over the in-process map.
type StorageConfig struct {
	// Persist enables the JSON file backend.
	Persist bool `yaml:"persist"`
	// Path is the JSON file location when Persist is set.
	Path string `yaml:"path"`
	// UseDB enables the Postgres backend.
	UseDB bool `yaml:"use_db"`
	// DatabaseURL is the Postgres DSN when UseDB is set.
	DatabaseURL string `yaml:"database_url"`
}

// ExecutorConfig feeds the routing engine.
type ExecutorConfig struct {
	// PolicyEnabled gates the heuristic routing rules.
	PolicyEnabled bool `yaml:"policy_enabled"`
	// CheapDefault is the executor used when no rule matches.
	CheapDefault string `yaml:"cheap_default"`
	// EscalateTo is the executor selected by failure escalation.
	EscalateTo string `yaml:"escalate_to"`
	// FailureThreshold is how many recent similar failures trigger
	// escalation.
	FailureThreshold int `yaml:"failure_threshold"`
	// RepoDefault handles repo-scoped questions.
	RepoDefault string `yaml:"repo_default"`
	// OpenQuestionDefault handles open questions.
	OpenQuestionDefault string `yaml:"open_question_default"`
	// FreeModel overrides the free-tier model (OPENROUTER_FREE_MODEL).
	FreeModel string `yaml:"free_model"`
	// ModelOverride overrides every resolved model.
	ModelOverride string `yaml:"model_override"`
	// ModelAliases repairs known-bad model names.
	ModelAliases map[string]string `yaml:"model_aliases"`
}

// RetryConfig feeds the retry and escalation policy.
type RetryConfig struct {
	// AllowPaidProviders permits executions routed to paid providers.
	AllowPaidProviders bool `yaml:"allow_paid_providers"`
	// AutoRetryOpenAIOverride escalates paid-provider blocks to a paid
	// Codex model on retry.
	AutoRetryOpenAIOverride bool `yaml:"auto_retry_openai_override"`
	// OpenAIModelOverride is the escalation model.
	OpenAIModelOverride string `yaml:"openai_model_override"`
	// MaxDefault bounds retries for tasks without their own retry_max.
	MaxDefault int `yaml:"max_default"`
}

// OrphanConfig bounds orphan recovery.
type OrphanConfig struct {
	// RunningSec is the running-time threshold before a claimed task is
	// considered abandoned.
	RunningSec int `yaml:"running_sec"`
	// MaxTasks caps reclaims per sweep.
	MaxTasks int `yaml:"max_tasks"`
	// Heal creates a heal task after a recovery sweep.
	Heal bool `yaml:"heal"`
}

// UsageConfig configures execution telemetry.
type UsageConfig struct {
	// CostPerSecond prices subprocess runtime in USD.
	CostPerSecond float64 `yaml:"cost_per_second"`
	// Path, when set, appends usage events to a JSONL file.
	Path string `yaml:"path"`
}

// TelegramConfig configures the chat surface.
type TelegramConfig struct {
	// BotToken enables the transport; empty disables chat entirely.
	BotToken string `yaml:"bot_token"`
	// ChatIDs receive alert fan-out.
	ChatIDs []int64 `yaml:"chat_ids"`
	// AllowedUserIDs, when non-empty, drops inbound updates from
	// anyone else.
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
	// FailedAlertWindowSec and FailedAlertMaxPerWindow bound failed
	// alerts within a rolling window.
	FailedAlertWindowSec    int `yaml:"failed_alert_window_sec"`
	FailedAlertMaxPerWindow int `yaml:"failed_alert_max_per_window"`
}

// NATSConfig configures event publication.
type NATSConfig struct {
	// URL is the NATS server URL; empty disables publication.
	URL string `yaml:"url"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8089",
		},
		Storage: StorageConfig{
			Path: "agent_tasks.json",
		},
		Executor: ExecutorConfig{
			PolicyEnabled:       true,
			CheapDefault:        "claude",
			EscalateTo:          "openclaw",
			FailureThreshold:    3,
			RepoDefault:         "cursor",
			OpenQuestionDefault: "openclaw",
		},
		Retry: RetryConfig{
			OpenAIModelOverride: "gpt-5.3-codex",
			MaxDefault:          1,
		},
		Orphan: OrphanConfig{
			RunningSec: 1800,
			MaxTasks:   10,
		},
		Usage: UsageConfig{
			CostPerSecond: 0.002,
		},
		Telegram: TelegramConfig{
			FailedAlertWindowSec:    1800,
			FailedAlertMaxPerWindow: 1,
		},
		MaxOutputChars: task.DefaultMaxOutputChars,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Storage.UseDB && c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.database_url is required when storage.use_db is set")
	}
	if c.Storage.Persist && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage.persist is set")
	}
	if c.Retry.MaxDefault < 0 || c.Retry.MaxDefault > 5 {
		return fmt.Errorf("retry.max_default must be between 0 and 5")
	}
	if c.Orphan.RunningSec <= 0 {
		return fmt.Errorf("orphan.running_sec must be positive")
	}
	if c.Usage.CostPerSecond < 0 {
		return fmt.Errorf("usage.cost_per_second must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
