package route

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentd/task"
)

// stubHistory returns a fixed failure count.
type stubHistory struct{ failures int }

func (s stubHistory) RecentFailures(context.Context, task.Kind, string) int { return s.failures }

func TestNormalizeExecutor(t *testing.T) {
	assert.Equal(t, ExecutorOpenclaw, NormalizeExecutor("codex"))
	assert.Equal(t, ExecutorOpenclaw, NormalizeExecutor("clawwork"))
	assert.Equal(t, ExecutorOpenclaw, NormalizeExecutor("  OpenClaw "))
	assert.Equal(t, ExecutorClaude, NormalizeExecutor("claude"))
	assert.Equal(t, "weird", NormalizeExecutor("Weird"))
}

func TestDecideExplicitExecutor(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	d := e.Decide(context.Background(), task.KindImpl, "build the feature", task.Context{
		task.KeyExecutor: "codex",
	})
	assert.Equal(t, task.KindImpl, d.TaskType)
	assert.Equal(t, ExecutorOpenclaw, d.Executor)
	assert.Equal(t, ReasonExplicitExecutor, d.Reason)
}

func TestDecideExplicitExecutorUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Available = []string{ExecutorCursor}
	e := NewEngine(cfg, nil)

	d := e.Decide(context.Background(), task.KindImpl, "build the feature", task.Context{
		task.KeyExecutor: "openclaw",
	})
	assert.Equal(t, ExecutorCursor, d.Executor)
	assert.Equal(t, ReasonExplicitExecutorUnavailable, d.Reason)
}

func TestDecideRepoScopedQuestion(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	for _, direction := range []string{
		"what does this repo do?",
		"explain the codebase layout",
		"why is handler.go structured like that",
	} {
		d := e.Decide(context.Background(), task.KindSpec, direction, nil)
		assert.Equal(t, ExecutorCursor, d.Executor, direction)
		assert.Equal(t, ReasonRepoScopedQuestion, d.Reason, direction)
	}

	// question_scope pins it regardless of wording.
	d := e.Decide(context.Background(), task.KindSpec, "summarize the design", task.Context{
		task.KeyQuestionScope: "repo",
	})
	assert.Equal(t, ReasonRepoScopedQuestion, d.Reason)
}

func TestDecideOpenQuestion(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	d := e.Decide(context.Background(), task.KindSpec, "what is the capital of France?", nil)
	assert.Equal(t, ExecutorOpenclaw, d.Executor)
	assert.Equal(t, ReasonOpenQuestionDefault, d.Reason)

	d = e.Decide(context.Background(), task.KindSpec, "summarize current LLM pricing", task.Context{
		task.KeyQuestionScope: "open",
	})
	assert.Equal(t, ReasonOpenQuestionDefault, d.Reason)
}

func TestDecideFailureEscalation(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg, stubHistory{failures: 3})

	d := e.Decide(context.Background(), task.KindImpl, "rebuild the cache layer", nil)
	assert.Equal(t, ExecutorOpenclaw, d.Executor)
	assert.Equal(t, ReasonFailureThreshold, d.Reason)

	// Below threshold the cheap default wins.
	e = NewEngine(cfg, stubHistory{failures: 2})
	d = e.Decide(context.Background(), task.KindImpl, "rebuild the cache layer", nil)
	assert.Equal(t, ExecutorClaude, d.Executor)
	assert.Equal(t, ReasonCheapDefault, d.Reason)
}

func TestDecidePolicyDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PolicyEnabled = false
	e := NewEngine(cfg, stubHistory{failures: 10})

	// Heuristics are off; only explicit executor and the default apply.
	d := e.Decide(context.Background(), task.KindSpec, "what does this repo do?", nil)
	assert.Equal(t, ExecutorClaude, d.Executor)
	assert.Equal(t, ReasonCheapDefault, d.Reason)
}

func TestDecideModelOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelAliases = map[string]string{"gtp-5.3-codex": "gpt-5.3-codex"}
	e := NewEngine(cfg, nil)

	// Context override, repaired through the alias map.
	d := e.Decide(context.Background(), task.KindImpl, "build it", task.Context{
		task.KeyExecutor:      "openclaw",
		task.KeyModelOverride: "gtp-5.3-codex",
	})
	assert.Equal(t, "gpt-5.3-codex", d.Model)
	assert.Contains(t, d.CommandTemplate, "--model gpt-5.3-codex")

	// Env override beats the context override.
	cfg.EnvModelOverride = "openclaw/gpt-5.3-codex"
	e = NewEngine(cfg, nil)
	d = e.Decide(context.Background(), task.KindImpl, "build it", task.Context{
		task.KeyModelOverride: "something-else",
	})
	assert.Equal(t, "openclaw/gpt-5.3-codex", d.Model)
}

func TestDecideFreeModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreeModel = "openrouter/free/llama-3.3-70b"
	e := NewEngine(cfg, nil)

	d := e.Decide(context.Background(), task.KindImpl, "build it", nil)
	assert.Equal(t, ExecutorClaude, d.Executor)
	assert.Equal(t, "openrouter/free/llama-3.3-70b", d.Model)
	assert.False(t, d.IsPaidProvider)
}

func TestEnsureModelFlag(t *testing.T) {
	// Appends when absent.
	assert.Equal(t, `agent "{{direction}}" --model m1`, EnsureModelFlag(`agent "{{direction}}"`, "m1"))
	// Replaces when present.
	assert.Equal(t, `codex exec --model m2 --json`, EnsureModelFlag(`codex exec --model old --json`, "m2"))
}

func TestRender(t *testing.T) {
	out := Render(`agent "{{direction}}" --model {{model}}`, "do work", "m1")
	assert.Equal(t, `agent "do work" --model m1`, out)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		model    string
		executor string
		provider string
		paid     bool
	}{
		{"openclaw/gpt-5.3-codex", ExecutorOpenclaw, ProviderOpenAICodex, true},
		{"cursor/gpt-5.3", ExecutorCursor, ProviderOpenAI, true},
		{"cursor/composer-1", ExecutorCursor, ProviderCursor, true},
		{"openrouter/free/deepseek-chat", ExecutorClaude, ProviderOpenRouter, false},
		{"openrouter/anthropic/claude-sonnet", ExecutorClaude, ProviderOpenRouter, true},
		{"meta/llama-3/free", ExecutorOpenclaw, ProviderOpenclaw, false},
		{"o3-mini", ExecutorClaude, ProviderOpenAI, true},
	}

	for _, tt := range tests {
		provider, paid := Classify(tt.model, "", tt.executor)
		assert.Equal(t, tt.provider, provider, tt.model)
		assert.Equal(t, tt.paid, paid, tt.model)
	}
}

func TestCodexFamily(t *testing.T) {
	assert.True(t, CodexFamily("openclaw/gpt-5.3-codex"))
	assert.True(t, CodexFamily("gpt-5.3-CODEX-spark"))
	assert.False(t, CodexFamily("openrouter/free/deepseek-chat"))
}

func TestUnderlyingModel(t *testing.T) {
	assert.Equal(t, "gpt-5.3-codex", UnderlyingModel("openclaw/gpt-5.3-codex"))
	assert.Equal(t, "gpt-5.3", UnderlyingModel("cursor/gpt-5.3"))
	assert.Equal(t, "plain-model", UnderlyingModel("plain-model"))
}

func TestDecisionAsMap(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	d := e.Decide(context.Background(), task.KindImpl, "build it", nil)

	m := d.AsMap()
	require.NotNil(t, m)
	assert.Equal(t, d.Executor, m["executor"])
	assert.Equal(t, d.Model, m["model"])
	assert.Equal(t, d.IsPaidProvider, m["is_paid_provider"])
	assert.Equal(t, d.Reason, m["reason"])
}
