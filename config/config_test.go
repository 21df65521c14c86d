package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8089" {
		t.Errorf("expected default addr :8089, got %s", cfg.Server.Addr)
	}
	if cfg.Executor.CheapDefault != "claude" {
		t.Errorf("expected cheap default claude, got %s", cfg.Executor.CheapDefault)
	}
	if cfg.Retry.MaxDefault != 1 {
		t.Errorf("expected retry max default 1, got %d", cfg.Retry.MaxDefault)
	}
	if cfg.Orphan.RunningSec != 1800 {
		t.Errorf("expected orphan threshold 1800, got %d", cfg.Orphan.RunningSec)
	}
	if cfg.Usage.CostPerSecond != 0.002 {
		t.Errorf("expected cost per second 0.002, got %f", cfg.Usage.CostPerSecond)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing addr",
			modify:  func(c *Config) { c.Server.Addr = "" },
			wantErr: true,
		},
		{
			name:    "use_db without dsn",
			modify:  func(c *Config) { c.Storage.UseDB = true },
			wantErr: true,
		},
		{
			name: "use_db with dsn",
			modify: func(c *Config) {
				c.Storage.UseDB = true
				c.Storage.DatabaseURL = "postgres://localhost/agent"
			},
			wantErr: false,
		},
		{
			name:    "persist without path",
			modify:  func(c *Config) { c.Storage.Persist = true; c.Storage.Path = "" },
			wantErr: true,
		},
		{
			name:    "retry max too high",
			modify:  func(c *Config) { c.Retry.MaxDefault = 6 },
			wantErr: true,
		},
		{
			name:    "negative cost per second",
			modify:  func(c *Config) { c.Usage.CostPerSecond = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")

	yaml := `
server:
  addr: ":9090"
storage:
  persist: true
  path: /tmp/tasks.json
executor:
  cheap_default: cursor
  model_aliases:
    gtp-5.3-codex: gpt-5.3-codex
retry:
  allow_paid_providers: true
  max_default: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if !cfg.Storage.Persist || cfg.Storage.Path != "/tmp/tasks.json" {
		t.Errorf("file storage not applied: %+v", cfg.Storage)
	}
	if cfg.Executor.CheapDefault != "cursor" {
		t.Errorf("expected cheap default cursor, got %s", cfg.Executor.CheapDefault)
	}
	if cfg.Executor.ModelAliases["gtp-5.3-codex"] != "gpt-5.3-codex" {
		t.Errorf("alias map not applied: %v", cfg.Executor.ModelAliases)
	}
	if !cfg.Retry.AllowPaidProviders || cfg.Retry.MaxDefault != 3 {
		t.Errorf("retry section not applied: %+v", cfg.Retry)
	}
	// Untouched sections keep their defaults.
	if cfg.Orphan.RunningSec != 1800 {
		t.Errorf("expected default orphan threshold, got %d", cfg.Orphan.RunningSec)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("AGENT_TASKS_USE_DB", "1")
	t.Setenv("AGENT_TASKS_DATABASE_URL", "postgres://localhost/agent")
	t.Setenv("AGENT_ALLOW_PAID_PROVIDERS", "true")
	t.Setenv("AGENT_EXECUTOR_POLICY_ENABLED", "0")
	t.Setenv("AGENT_ORPHAN_RUNNING_SEC", "900")
	t.Setenv("AGENT_MODEL_ALIAS_MAP", "gtp-5.3-codex:gpt-5.3-codex, bad-name:good-name")
	t.Setenv("TELEGRAM_CHAT_IDS", "12345, -67890")
	t.Setenv("RUNTIME_COST_PER_SECOND", "0.004")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if !cfg.Storage.UseDB || cfg.Storage.DatabaseURL != "postgres://localhost/agent" {
		t.Errorf("db env not applied: %+v", cfg.Storage)
	}
	if !cfg.Retry.AllowPaidProviders {
		t.Error("expected paid providers allowed")
	}
	if cfg.Executor.PolicyEnabled {
		t.Error("expected policy disabled")
	}
	if cfg.Orphan.RunningSec != 900 {
		t.Errorf("expected orphan threshold 900, got %d", cfg.Orphan.RunningSec)
	}
	if cfg.Executor.ModelAliases["bad-name"] != "good-name" {
		t.Errorf("alias env not applied: %v", cfg.Executor.ModelAliases)
	}
	if len(cfg.Telegram.ChatIDs) != 2 || cfg.Telegram.ChatIDs[1] != -67890 {
		t.Errorf("chat ids not applied: %v", cfg.Telegram.ChatIDs)
	}
	if cfg.Usage.CostPerSecond != 0.004 {
		t.Errorf("expected cost 0.004, got %f", cfg.Usage.CostPerSecond)
	}
}
