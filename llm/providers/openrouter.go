// Package providers implements the execution backends: the OpenRouter
// chat-completion HTTP provider and the codex subprocess fallback.
// Importing the package registers both via init().
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/agentd/llm"
)

// maxResponseSize bounds provider response bodies.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// httpTimeout bounds one chat-completion round trip.
const httpTimeout = 30 * time.Second

func init() {
	llm.RegisterProvider(NewOpenRouter())
	llm.RegisterProvider(NewCodex())
}

// OpenRouter is the primary HTTP provider speaking the OpenAI
// chat-completions wire format.
type OpenRouter struct {
	// BaseURL defaults to OPENROUTER_BASE_URL or the public endpoint.
	BaseURL string
	// APIKey defaults to OPENROUTER_API_KEY at call time.
	APIKey string

	HTTPClient *http.Client
}

// NewOpenRouter creates the provider with env-backed defaults.
func NewOpenRouter() *OpenRouter {
	return &OpenRouter{
		HTTPClient: &http.Client{Timeout: httpTimeout},
	}
}

// Name implements llm.Provider.
func (o *OpenRouter) Name() string { return "openrouter" }

// chatRequest is the outbound chat-completion body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatUsage accepts both the prompt/completion and input/output token
// naming conventions.
type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
}

// normalize folds the alternate names into one TokenUsage, computing
// the total when the provider omitted it.
func (u chatUsage) normalize() llm.TokenUsage {
	prompt := u.PromptTokens
	if prompt == 0 {
		prompt = u.InputTokens
	}
	completion := u.CompletionTokens
	if completion == 0 {
		completion = u.OutputTokens
	}
	total := u.TotalTokens
	if total == 0 {
		total = prompt + completion
	}
	return llm.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

// Complete implements llm.Provider.
func (o *OpenRouter) Complete(ctx context.Context, model, prompt string) (*llm.Completion, error) {
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		return nil, llm.NewKeyMissingError(errors.New("OPENROUTER_API_KEY is not configured"))
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, llm.NewMalformedResponseError(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, llm.NewTimeoutError(fmt.Errorf("chat completion timed out: %w", err))
		}
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to parsing.
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, llm.NewRateLimitedError(fmt.Errorf("rate limited (status 429): %s", bound(respBody)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, llm.NewUnconfiguredError(fmt.Errorf("auth rejected (status %d): %s", resp.StatusCode, bound(respBody)))
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, llm.NewTimeoutError(fmt.Errorf("upstream timed out (status 504): %s", bound(respBody)))
	default:
		return nil, fmt.Errorf("chat completion failed (status %d): %s", resp.StatusCode, bound(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, llm.NewMalformedResponseError(fmt.Errorf("parse response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, llm.NewMalformedResponseError(errors.New("response has no choices"))
	}

	requestID := resp.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = parsed.ID
	}

	return &llm.Completion{
		Content:           parsed.Choices[0].Message.Content,
		Usage:             parsed.Usage.normalize(),
		ProviderRequestID: requestID,
		ResponseID:        parsed.ID,
	}, nil
}

func (o *OpenRouter) url() string {
	base := o.BaseURL
	if base == "" {
		base = os.Getenv("OPENROUTER_BASE_URL")
	}
	if base == "" {
		base = "https://openrouter.ai/api/v1"
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

// bound truncates an error body for log-friendly messages.
func bound(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// isTimeout reports whether a transport error is a timeout.
func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
