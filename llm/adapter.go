package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/agentd/route"
	"github.com/c360studio/agentd/usage"
)

// Provider names the adapter dispatches between.
const (
	PrimaryProvider  = "openrouter"
	FallbackProvider = "codex"
)

// Usage event endpoints, one per provider path.
const (
	EndpointChatCompletion = "tool:openrouter.chat_completion"
	EndpointCodexExec      = "tool:codex.exec"
)

// RunRequest is one execution attempt for a task.
type RunRequest struct {
	TaskID string
	Model  string
	Prompt string
	IsPaid bool

	// Cost budget; zero MaxCostUSD disables the check.
	MaxCostUSD       float64
	EstimatedCostUSD float64
	CostSlackRatio   float64
}

// Result is the discriminated outcome. The adapter never returns a Go
// error to the controller: failures are carried here.
type Result struct {
	OK                bool
	ElapsedMs         int64
	Content           string
	Usage             TokenUsage
	ProviderRequestID string
	Error             string
}

// Adapter executes prompts through the provider registry and records
// one usage event per attempt.
type Adapter struct {
	recorder      usage.Recorder
	costPerSecond float64
	logger        *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithCostPerSecond overrides the runtime pricing rate.
func WithCostPerSecond(rate float64) AdapterOption {
	return func(a *Adapter) { a.costPerSecond = rate }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// NewAdapter creates an execution adapter. recorder may not be nil.
func NewAdapter(recorder usage.Recorder, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		recorder:      recorder,
		costPerSecond: usage.DefaultCostPerSecond,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run dispatches the prompt: primary HTTP provider first, subprocess
// fallback only for Codex-family models when the primary reports a
// missing API key. A key rejected upstream does not fall back; that is
// an auth failure the operator has to see.
func (a *Adapter) Run(ctx context.Context, req RunRequest) Result {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return Result{Error: "empty direction: nothing to execute"}
	}

	started := time.Now()

	completion, err := a.attempt(ctx, PrimaryProvider, EndpointChatCompletion, req, started)
	if err != nil && route.CodexFamily(req.Model) && (IsKeyMissing(err) || IndicatesKeyMissing(err)) {
		a.logger.Info("Primary provider unconfigured, falling back to codex exec",
			"task_id", req.TaskID,
			"model", req.Model)
		completion, err = a.attempt(ctx, FallbackProvider, EndpointCodexExec, req, started)
	}

	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		return Result{ElapsedMs: elapsed, Error: err.Error()}
	}

	if err := a.checkBudget(req, elapsed); err != nil {
		return Result{ElapsedMs: elapsed, Error: err.Error()}
	}

	return Result{
		OK:                true,
		ElapsedMs:         elapsed,
		Content:           completion.Content,
		Usage:             completion.Usage,
		ProviderRequestID: completion.ProviderRequestID,
	}
}

// attempt calls one provider and records its usage event.
func (a *Adapter) attempt(ctx context.Context, providerName, endpoint string, req RunRequest, started time.Time) (*Completion, error) {
	provider := GetProvider(providerName)
	if provider == nil {
		return nil, NewUnconfiguredError(fmt.Errorf("provider %s not registered", providerName))
	}

	completion, err := provider.Complete(ctx, req.Model, req.Prompt)
	elapsed := time.Since(started).Milliseconds()

	meta := map[string]any{
		"task_id":          req.TaskID,
		"model":            req.Model,
		"provider":         providerName,
		"is_paid_provider": req.IsPaid,
		"runtime_cost_usd": usage.RuntimeCostUSD(elapsed, a.costPerSecond),
	}

	if err != nil {
		meta["error"] = err.Error()
		a.record(ctx, usage.NewEvent(endpoint, 500, elapsed, meta))
		return nil, err
	}

	meta["prompt_tokens"] = completion.Usage.PromptTokens
	meta["completion_tokens"] = completion.Usage.CompletionTokens
	meta["total_tokens"] = completion.Usage.TotalTokens
	if completion.ProviderRequestID != "" {
		meta["provider_request_id"] = completion.ProviderRequestID
	}
	if completion.ResponseID != "" {
		meta["response_id"] = completion.ResponseID
	}
	a.record(ctx, usage.NewEvent(endpoint, 200, elapsed, meta))
	return completion, nil
}

// checkBudget enforces the caller's cost ceiling against observed
// runtime cost.
func (a *Adapter) checkBudget(req RunRequest, elapsedMs int64) error {
	if req.MaxCostUSD <= 0 {
		return nil
	}
	actual := usage.RuntimeCostUSD(elapsedMs, a.costPerSecond)
	if req.EstimatedCostUSD > actual {
		actual = req.EstimatedCostUSD
	}
	allowed := req.MaxCostUSD * (1 + req.CostSlackRatio)
	if actual > allowed {
		return &CostOverrunError{ActualUSD: actual, MaxUSD: req.MaxCostUSD}
	}
	return nil
}

// record appends telemetry; failures never surface to the caller.
func (a *Adapter) record(ctx context.Context, ev *usage.Event) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.Record(ctx, ev); err != nil {
		a.logger.Warn("Failed to record usage event", "event_id", ev.EventID, "error", err)
	}
}
