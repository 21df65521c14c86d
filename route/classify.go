package route

import (
	"regexp"
	"strings"

	"github.com/c360studio/agentd/task"
)

// Provider classifications.
const (
	ProviderOpenAI      = "openai"
	ProviderOpenAICodex = "openai-codex"
	ProviderOpenRouter  = "openrouter"
	ProviderClaude      = "claude"
	ProviderCursor      = "cursor"
	ProviderOpenclaw    = "openclaw"
)

// Tiers per executor.
const (
	TierOpenRouter = "openrouter"
	TierCursor     = "cursor"
	TierOpenclaw   = "openclaw"
)

// modelTable resolves kind x executor to a default model name.
var modelTable = map[task.Kind]map[string]string{
	task.KindSpec: {
		ExecutorClaude:   "openrouter/free/deepseek-chat",
		ExecutorCursor:   "cursor/composer-1",
		ExecutorOpenclaw: "openclaw/gpt-5.3-codex",
	},
	task.KindTest: {
		ExecutorClaude:   "openrouter/free/deepseek-chat",
		ExecutorCursor:   "cursor/composer-1",
		ExecutorOpenclaw: "openclaw/gpt-5.3-codex-spark",
	},
	task.KindImpl: {
		ExecutorClaude:   "openrouter/free/deepseek-chat",
		ExecutorCursor:   "cursor/gpt-5.3",
		ExecutorOpenclaw: "openclaw/gpt-5.3-codex",
	},
	task.KindReview: {
		ExecutorClaude:   "openrouter/free/deepseek-chat",
		ExecutorCursor:   "cursor/composer-1",
		ExecutorOpenclaw: "openclaw/gpt-5.3-codex-spark",
	},
	task.KindHeal: {
		ExecutorClaude:   "openrouter/free/deepseek-chat",
		ExecutorCursor:   "cursor/gpt-5.3",
		ExecutorOpenclaw: "openclaw/gpt-5.3-codex",
	},
}

// defaultModels backs unknown kinds.
var defaultModels = map[string]string{
	ExecutorClaude:   "openrouter/free/deepseek-chat",
	ExecutorCursor:   "cursor/composer-1",
	ExecutorOpenclaw: "openclaw/gpt-5.3-codex",
}

// commandTemplateFor returns the executor's invocation template. The
// {{direction}} and {{model}} placeholders are substituted at render
// time; a --model flag is guaranteed by EnsureModelFlag.
func commandTemplateFor(executor string) string {
	switch executor {
	case ExecutorCursor:
		return `agent "{{direction}}"`
	case ExecutorOpenclaw:
		return `codex exec "{{direction}}" --json`
	default:
		return `aider --yes --message "{{direction}}"`
	}
}

// tierFor maps executor to billing tier.
func tierFor(executor string) string {
	switch executor {
	case ExecutorCursor:
		return TierCursor
	case ExecutorOpenclaw:
		return TierOpenclaw
	default:
		return TierOpenRouter
	}
}

// modelFlagRe matches an existing --model argument in a template.
var modelFlagRe = regexp.MustCompile(`--model\s+\S+`)

// EnsureModelFlag replaces an existing --model flag or appends one.
func EnsureModelFlag(tmpl, model string) string {
	flag := "--model " + model
	if modelFlagRe.MatchString(tmpl) {
		return modelFlagRe.ReplaceAllString(tmpl, flag)
	}
	return tmpl + " " + flag
}

// Render substitutes the placeholders into a command template.
func Render(tmpl, direction, model string) string {
	out := strings.ReplaceAll(tmpl, "{{direction}}", direction)
	return strings.ReplaceAll(out, "{{model}}", model)
}

// openAIModelPrefixes mark models billed through OpenAI directly.
var openAIModelPrefixes = []string{"openai/", "gpt", "o1", "o3", "o4"}

// Classify inspects the model name and command template to derive the
// provider classification and whether it costs money.
func Classify(model, commandTemplate, executor string) (provider string, paid bool) {
	provider = classifyProvider(model, commandTemplate, executor)
	return provider, isPaid(provider, model)
}

func classifyProvider(model, commandTemplate, executor string) string {
	lower := strings.ToLower(model)
	// Prefixes like openclaw/ and cursor/ name the route, not the
	// underlying model family.
	trimmed := lower
	for _, p := range []string{"openclaw/", "cursor/"} {
		trimmed = strings.TrimPrefix(trimmed, p)
	}

	if strings.Contains(trimmed, "codex") {
		return ProviderOpenAICodex
	}
	for _, p := range openAIModelPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return ProviderOpenAI
		}
	}
	if strings.Contains(lower, "openrouter") || strings.Contains(commandTemplate, "openrouter") {
		return ProviderOpenRouter
	}

	switch executor {
	case ExecutorCursor:
		return ProviderCursor
	case ExecutorOpenclaw:
		return ProviderOpenclaw
	default:
		return ProviderClaude
	}
}

func isPaid(provider, model string) bool {
	lower := strings.ToLower(model)
	switch provider {
	case ProviderOpenRouter:
		if strings.Contains(lower, "openrouter/free") || strings.HasSuffix(lower, "/free") {
			return false
		}
		return true
	case ProviderOpenAI, ProviderOpenAICodex, ProviderClaude, ProviderCursor:
		return true
	default:
		return false
	}
}

// billingProviderFor records who the invoice comes from: openrouter
// tiers bill through openrouter regardless of the underlying family.
func billingProviderFor(tier, provider string) string {
	if tier == TierOpenRouter && provider != ProviderOpenAICodex {
		return ProviderOpenRouter
	}
	return provider
}

// CodexFamily reports whether the model resolves to an OpenAI-Codex
// underlying model, the precondition for the subprocess fallback.
func CodexFamily(model string) bool {
	return strings.Contains(strings.ToLower(model), "codex")
}

// UnderlyingModel strips routing prefixes to get the provider-level
// model name handed to the codex CLI.
func UnderlyingModel(model string) string {
	for _, p := range []string{"openclaw/", "cursor/"} {
		if strings.HasPrefix(model, p) {
			return strings.TrimPrefix(model, p)
		}
	}
	return model
}
