// Package llm is the execution adapter: it dispatches a task's prompt
// to a named provider, records usage telemetry, and returns a
// discriminated result the lifecycle controller folds into the task.
package llm

import (
	"context"
	"sync"
)

// TokenUsage is the provider-reported token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a provider's successful answer.
type Completion struct {
	Content           string
	Usage             TokenUsage
	ProviderRequestID string
	ResponseID        string
}

// Provider executes a prompt against one backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "openrouter", "codex").
	Name() string

	// Complete runs the prompt and returns the completion, or one of
	// the typed errors in errors.go.
	Complete(ctx context.Context, model, prompt string) (*Completion, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
