package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ConfigFileEnv names the env variable pointing at a YAML config file.
const ConfigFileEnv = "AGENT_CONFIG_FILE"

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load builds the configuration: defaults, then the YAML file named by
// AGENT_CONFIG_FILE (when present), then environment variables.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", path))
		config = fileConfig
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overlays environment variables onto the configuration.
// Unset variables leave the current value untouched.
func (c *Config) ApplyEnv() {
	envString("AGENT_HTTP_ADDR", &c.Server.Addr)

	envBool("AGENT_TASKS_PERSIST", &c.Storage.Persist)
	envString("AGENT_TASKS_PATH", &c.Storage.Path)
	envBool("AGENT_TASKS_USE_DB", &c.Storage.UseDB)
	envString("AGENT_TASKS_DATABASE_URL", &c.Storage.DatabaseURL)

	envBool("AGENT_EXECUTOR_POLICY_ENABLED", &c.Executor.PolicyEnabled)
	envString("AGENT_EXECUTOR_CHEAP_DEFAULT", &c.Executor.CheapDefault)
	envString("AGENT_EXECUTOR_ESCALATE_TO", &c.Executor.EscalateTo)
	envInt("AGENT_EXECUTOR_ESCALATE_FAILURE_THRESHOLD", &c.Executor.FailureThreshold)
	envString("AGENT_EXECUTOR_REPO_DEFAULT", &c.Executor.RepoDefault)
	envString("AGENT_EXECUTOR_OPEN_QUESTION_DEFAULT", &c.Executor.OpenQuestionDefault)
	envString("OPENROUTER_FREE_MODEL", &c.Executor.FreeModel)
	envString("AGENT_MODEL_OVERRIDE", &c.Executor.ModelOverride)
	if raw := os.Getenv("AGENT_MODEL_ALIAS_MAP"); raw != "" {
		c.Executor.ModelAliases = parseAliasMap(raw)
	}

	envBool("AGENT_ALLOW_PAID_PROVIDERS", &c.Retry.AllowPaidProviders)
	envBool("AGENT_AUTO_RETRY_OPENAI_OVERRIDE", &c.Retry.AutoRetryOpenAIOverride)
	envString("AGENT_RETRY_OPENAI_MODEL_OVERRIDE", &c.Retry.OpenAIModelOverride)
	envInt("AGENT_RETRY_MAX", &c.Retry.MaxDefault)

	envInt("AGENT_ORPHAN_RUNNING_SEC", &c.Orphan.RunningSec)
	envInt("AGENT_ORPHAN_REAP_MAX_TASKS", &c.Orphan.MaxTasks)
	envBool("AGENT_ORPHAN_HEAL", &c.Orphan.Heal)

	envInt("AGENT_TASK_OUTPUT_MAX_CHARS", &c.MaxOutputChars)

	envFloat("RUNTIME_COST_PER_SECOND", &c.Usage.CostPerSecond)
	envString("AGENT_USAGE_PATH", &c.Usage.Path)

	envString("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	if raw := os.Getenv("TELEGRAM_CHAT_IDS"); raw != "" {
		c.Telegram.ChatIDs = parseInt64List(raw)
	}
	if raw := os.Getenv("TELEGRAM_ALLOWED_USER_IDS"); raw != "" {
		c.Telegram.AllowedUserIDs = parseInt64List(raw)
	}
	envInt("TELEGRAM_FAILED_ALERT_WINDOW_SECONDS", &c.Telegram.FailedAlertWindowSec)
	envInt("TELEGRAM_FAILED_ALERT_MAX_PER_WINDOW", &c.Telegram.FailedAlertMaxPerWindow)

	envString("NATS_URL", &c.NATS.URL)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	switch os.Getenv(name) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// parseAliasMap parses "from:to,from2:to2" into an alias map.
func parseAliasMap(raw string) map[string]string {
	aliases := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		from := strings.TrimSpace(parts[0])
		to := strings.TrimSpace(parts[1])
		if from != "" && to != "" {
			aliases[from] = to
		}
	}
	if len(aliases) == 0 {
		return nil
	}
	return aliases
}

// parseInt64List parses a comma-separated list of chat or user ids.
func parseInt64List(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
