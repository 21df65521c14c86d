// Package chat connects the task pipeline to a Telegram-style bot
// surface: outbound alerts and replies, inbound webhook commands, and
// allowlist enforcement.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ParseModeMarkdown is the outbound formatting mode used by default.
const ParseModeMarkdown = "Markdown"

// Transport delivers messages to a chat backend.
type Transport interface {
	// Send delivers text to one chat. parseMode may be empty.
	Send(ctx context.Context, chatID int64, text, parseMode string) error
}

// Telegram talks to the Bot API over HTTP.
type Telegram struct {
	// Token is the bot token; empty disables the transport.
	Token string
	// BaseURL defaults to the public Bot API. Tests point it at a stub.
	BaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewTelegram creates a transport for the given bot token.
func NewTelegram(token string) *Telegram {
	return &Telegram{
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     slog.Default(),
	}
}

// sendMessageRequest is the Bot API sendMessage body.
type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// Send implements Transport. When the API rejects the message over
// parse-mode issues, it retries once without a parse mode.
func (t *Telegram) Send(ctx context.Context, chatID int64, text, parseMode string) error {
	if t.Token == "" {
		return fmt.Errorf("telegram transport not configured")
	}

	err := t.sendOnce(ctx, chatID, text, parseMode)
	if err != nil && parseMode != "" && isParseError(err) {
		t.logger().Debug("Parse-mode rejected, retrying as plain text", "chat_id", chatID)
		return t.sendOnce(ctx, chatID, text, "")
	}
	return err
}

func (t *Telegram) sendOnce(ctx context.Context, chatID int64, text, parseMode string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("sendMessage rejected (status %d): %s", resp.StatusCode, string(respBody))
}

func (t *Telegram) url(method string) string {
	base := t.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimSuffix(base, "/"), t.Token, method)
}

func (t *Telegram) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// isParseError matches the Bot API's entity-parsing rejections.
func isParseError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse") || strings.Contains(msg, "parse entities")
}

// Update is one inbound webhook delivery.
type Update struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// ParseCommand splits inbound text: a leading slash yields the command
// and its argument; anything else is an implicit direction command.
func ParseCommand(text string) (command, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "direction", text
	}
	parts := strings.SplitN(text, " ", 2)
	command = strings.TrimPrefix(parts[0], "/")
	// Strip the @botname suffix groups append.
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return command, arg
}
