package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/c360studio/agentd/llm"
	"github.com/c360studio/agentd/route"
)

// codexTimeout bounds one subprocess execution.
const codexTimeout = 300 * time.Second

// Codex runs the codex CLI as the subprocess fallback for Codex-family
// models when the OpenRouter key is absent.
type Codex struct {
	// Binary defaults to "codex"; tests point it at a stub.
	Binary string
	// Timeout defaults to codexTimeout.
	Timeout time.Duration
}

// NewCodex creates the subprocess provider.
func NewCodex() *Codex {
	return &Codex{Binary: "codex", Timeout: codexTimeout}
}

// Name implements llm.Provider.
func (c *Codex) Name() string { return "codex" }

// codexEvent is one JSONL line of codex --json output. Only the fields
// the parser needs are declared.
type codexEvent struct {
	Type  string `json:"type"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item,omitempty"`
}

// Complete implements llm.Provider. The model's routing prefix is
// stripped before handing it to the CLI.
func (c *Codex) Complete(ctx context.Context, model, prompt string) (*llm.Completion, error) {
	binary := c.Binary
	if binary == "" {
		binary = "codex"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, llm.NewUnconfiguredError(fmt.Errorf("codex binary not found: %w", err))
	}

	underlying := route.UnderlyingModel(model)

	tmp, err := os.CreateTemp("", "codex-out-*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = codexTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, "exec", prompt,
		"--model", underlying,
		"--skip-git-repo-check",
		"--dangerously-bypass-approvals-and-sandbox",
		"--json",
		"-o", tmpPath,
	)
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, llm.NewTimeoutError(fmt.Errorf("codex exec timed out after %s", timeout))
	}
	if err != nil {
		return nil, fmt.Errorf("codex exec failed: %v: %s", err, bound(out))
	}

	return c.parseOutput(tmpPath, out)
}

// parseOutput scans the JSONL output file for the final agent message
// and the turn.completed usage record.
func (c *Codex) parseOutput(path string, stdout []byte) (*llm.Completion, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read codex output: %w", err)
	}
	defer file.Close()

	var content string
	var tokens llm.TokenUsage

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "item.completed":
			if ev.Item != nil && ev.Item.Type == "agent_message" && ev.Item.Text != "" {
				content = ev.Item.Text
			}
		case "turn.completed":
			if ev.Usage != nil {
				tokens = llm.TokenUsage{
					PromptTokens:     ev.Usage.InputTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      ev.Usage.TotalTokens,
				}
				if tokens.TotalTokens == 0 {
					tokens.TotalTokens = tokens.PromptTokens + tokens.CompletionTokens
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan codex output: %w", err)
	}

	if content == "" {
		content = strings.TrimSpace(string(stdout))
	}
	if content == "" {
		return nil, llm.NewMalformedResponseError(fmt.Errorf("codex produced no agent message"))
	}

	return &llm.Completion{Content: content, Usage: tokens}, nil
}
