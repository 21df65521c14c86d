// Package route maps a task's kind and context to an executor, model,
// command template, and provider classification. The decision is
// deterministic for a fixed environment snapshot.
package route

import (
	"context"
	"regexp"
	"strings"

	"github.com/c360studio/agentd/task"
)

// Executor backends.
const (
	ExecutorClaude   = "claude"
	ExecutorCursor   = "cursor"
	ExecutorOpenclaw = "openclaw"
)

// Decision reasons recorded under context.executor_policy.reason.
const (
	ReasonExplicitExecutor            = "explicit_executor"
	ReasonExplicitExecutorUnavailable = "explicit_executor_unavailable"
	ReasonRepoScopedQuestion          = "repo_scoped_question"
	ReasonOpenQuestionDefault         = "open_question_default"
	ReasonFailureThreshold            = "failure_threshold"
	ReasonCheapDefault                = "cheap_default"
)

// Decision is the resolved route for one task, snapshotted at creation.
type Decision struct {
	TaskType        task.Kind `json:"task_type"`
	Executor        string    `json:"executor"`
	Model           string    `json:"model"`
	CommandTemplate string    `json:"command_template"`
	Tier            string    `json:"tier"`
	Provider        string    `json:"provider"`
	BillingProvider string    `json:"billing_provider"`
	IsPaidProvider  bool      `json:"is_paid_provider"`
	Reason          string    `json:"reason"`
}

// AsMap converts the decision to a context-storable snapshot.
func (d Decision) AsMap() map[string]any {
	return map[string]any{
		"executor":         d.Executor,
		"model":            d.Model,
		"command_template": d.CommandTemplate,
		"tier":             d.Tier,
		"provider":         d.Provider,
		"billing_provider": d.BillingProvider,
		"is_paid_provider": d.IsPaidProvider,
		"reason":           d.Reason,
	}
}

// History supplies recent failure counts for the escalation rule.
// A nil History disables failure escalation.
type History interface {
	// RecentFailures returns how many of the most recent tasks with the
	// given kind and a matching direction prefix ended failed.
	RecentFailures(ctx context.Context, kind task.Kind, direction string) int
}

// Config is the environment snapshot routing decides against.
type Config struct {
	// PolicyEnabled gates the heuristic rules; when false only the
	// explicit-executor rule and the cheap default apply.
	PolicyEnabled bool

	CheapDefault        string
	EscalateTo          string
	FailureThreshold    int
	RepoDefault         string
	OpenQuestionDefault string

	// Available lists the executors whose binaries exist in this
	// environment. Empty means all are assumed available.
	Available []string

	// FreeModel overrides the free-tier model routed to the claude
	// executor (OPENROUTER_FREE_MODEL).
	FreeModel string

	// EnvModelOverride overrides every resolved model (after aliasing).
	EnvModelOverride string

	// ModelAliases repairs known-bad model names (typo -> canonical).
	ModelAliases map[string]string
}

// DefaultConfig returns the routing defaults.
func DefaultConfig() Config {
	return Config{
		PolicyEnabled:       true,
		CheapDefault:        ExecutorClaude,
		EscalateTo:          ExecutorOpenclaw,
		FailureThreshold:    3,
		RepoDefault:         ExecutorCursor,
		OpenQuestionDefault: ExecutorOpenclaw,
	}
}

// Engine computes route decisions.
type Engine struct {
	cfg     Config
	history History
}

// NewEngine creates a routing engine. history may be nil.
func NewEngine(cfg Config, history History) *Engine {
	if cfg.CheapDefault == "" {
		cfg.CheapDefault = ExecutorClaude
	}
	if cfg.EscalateTo == "" {
		cfg.EscalateTo = ExecutorOpenclaw
	}
	if cfg.RepoDefault == "" {
		cfg.RepoDefault = ExecutorCursor
	}
	if cfg.OpenQuestionDefault == "" {
		cfg.OpenQuestionDefault = ExecutorOpenclaw
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &Engine{cfg: cfg, history: history}
}

// executorAliases normalizes alternate executor spellings.
var executorAliases = map[string]string{
	"codex":    ExecutorOpenclaw,
	"clawwork": ExecutorOpenclaw,
}

// NormalizeExecutor resolves aliases and lowercases the name. Unknown
// names are returned lowercased for the availability check to reject.
func NormalizeExecutor(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := executorAliases[name]; ok {
		return alias
	}
	return name
}

// available reports whether the executor binary exists in this env.
func (e *Engine) available(executor string) bool {
	if len(e.cfg.Available) == 0 {
		return executor == ExecutorClaude || executor == ExecutorCursor || executor == ExecutorOpenclaw
	}
	for _, a := range e.cfg.Available {
		if a == executor {
			return true
		}
	}
	return false
}

// fallbackOrder is tried when an explicitly named executor is missing.
var fallbackOrder = []string{ExecutorOpenclaw, ExecutorCursor, ExecutorClaude}

// repoScopePatterns flag a direction as a question about this repository.
var repoScopePatterns = []string{
	"this repo",
	"this repository",
	"codebase",
	"agents.md",
	"readme.md",
	"in the code",
	"in our code",
}

// repoScopeExtRe matches source-file extensions inside the direction.
var repoScopeExtRe = regexp.MustCompile(`\.(py|ts|tsx|js|jsx|go|md|json|toml|yaml|yml)\b`)

// repoScoped reports whether the direction or context pins the question
// to the repository.
func repoScoped(direction string, ctx task.Context) bool {
	switch ctx.String(task.KeyQuestionScope) {
	case "repo", "repository", "codebase":
		return true
	}
	lower := strings.ToLower(direction)
	for _, p := range repoScopePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return repoScopeExtRe.MatchString(lower)
}

// openScoped reports whether the context marks the question as open.
func openScoped(ctx task.Context) bool {
	switch ctx.String(task.KeyQuestionScope) {
	case "open", "general":
		return true
	}
	return false
}

// questionLeads are interrogative openers that mark a direction as a
// question rather than a work directive.
var questionLeads = []string{"what ", "why ", "how ", "when ", "where ", "who ", "which ", "is ", "are ", "does ", "do ", "can ", "should "}

// looksLikeQuestion reports whether the direction reads as a question.
func looksLikeQuestion(direction string) bool {
	trimmed := strings.TrimSpace(direction)
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, lead := range questionLeads {
		if strings.HasPrefix(lower, lead) {
			return true
		}
	}
	return false
}

// Decide resolves the route for one task. First matching rule wins:
// explicit executor, repo-scoped question, open question, failure
// escalation, cheap default.
func (e *Engine) Decide(ctx context.Context, kind task.Kind, direction string, tctx task.Context) Decision {
	executor, reason := e.pickExecutor(ctx, kind, direction, tctx)
	return e.resolve(kind, executor, reason, tctx)
}

func (e *Engine) pickExecutor(ctx context.Context, kind task.Kind, direction string, tctx task.Context) (string, string) {
	// 1. Explicit executor from context.
	if explicit := tctx.String(task.KeyExecutor); explicit != "" {
		executor := NormalizeExecutor(explicit)
		if e.available(executor) {
			return executor, ReasonExplicitExecutor
		}
		for _, fb := range fallbackOrder {
			if e.available(fb) {
				return fb, ReasonExplicitExecutorUnavailable
			}
		}
		return e.cfg.CheapDefault, ReasonExplicitExecutorUnavailable
	}

	if e.cfg.PolicyEnabled {
		// 2. Repo-scoped question heuristic.
		if repoScoped(direction, tctx) {
			return e.cfg.RepoDefault, ReasonRepoScopedQuestion
		}

		// 3. Open-question heuristic: an explicit open scope, or a
		// question-shaped direction that rule 2 did not pin to the repo.
		if openScoped(tctx) || looksLikeQuestion(direction) {
			return e.cfg.OpenQuestionDefault, ReasonOpenQuestionDefault
		}

		// 4. Failure escalation.
		if e.history != nil {
			if failures := e.history.RecentFailures(ctx, kind, direction); failures >= e.cfg.FailureThreshold {
				return e.cfg.EscalateTo, ReasonFailureThreshold
			}
		}
	}

	// 5. Cheap default.
	return e.cfg.CheapDefault, ReasonCheapDefault
}

// resolve fills in model, command template, tier and provider for the
// chosen executor.
func (e *Engine) resolve(kind task.Kind, executor, reason string, tctx task.Context) Decision {
	model := e.modelFor(kind, executor)

	if override := tctx.String(task.KeyModelOverride); override != "" {
		model = override
	}
	if e.cfg.EnvModelOverride != "" {
		model = e.cfg.EnvModelOverride
	}
	model = e.normalizeModel(model)

	tmpl := EnsureModelFlag(commandTemplateFor(executor), model)
	provider, paid := Classify(model, tmpl, executor)

	d := Decision{
		TaskType:        kind,
		Executor:        executor,
		Model:           model,
		CommandTemplate: tmpl,
		Tier:            tierFor(executor),
		Provider:        provider,
		IsPaidProvider:  paid,
		Reason:          reason,
	}
	d.BillingProvider = billingProviderFor(d.Tier, provider)
	return d
}

// normalizeModel applies the configured alias map.
func (e *Engine) normalizeModel(model string) string {
	if canonical, ok := e.cfg.ModelAliases[model]; ok {
		return canonical
	}
	return model
}

// modelFor resolves the kind x executor model table.
func (e *Engine) modelFor(kind task.Kind, executor string) string {
	if executor == ExecutorClaude && e.cfg.FreeModel != "" {
		return e.cfg.FreeModel
	}
	if byExecutor, ok := modelTable[kind]; ok {
		if m, ok := byExecutor[executor]; ok {
			return m
		}
	}
	return defaultModels[executor]
}
