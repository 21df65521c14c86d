package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/agentd/alert"
	"github.com/c360studio/agentd/store"
	"github.com/c360studio/agentd/task"
	"github.com/c360studio/agentd/usage"
)

// Service is the slice of the lifecycle controller the chat surface
// needs. Defined here so the adapter does not depend on the controller
// package.
type Service interface {
	CreateTask(ctx context.Context, req *task.CreateRequest) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, patch *task.UpdateRequest, workerID string) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f store.ListFilter) ([]*task.Task, int, error)
	CountByStatus(ctx context.Context) (map[task.Status]int, error)
	ExecuteAsync(id, workerID string)
}

// helpText lists the supported commands; replied on anything unknown.
const helpText = `Commands:
/status - task counts by status
/tasks [status] - recent tasks
/task {id} - task detail
/reply {id} {decision} - answer a needs_decision task
/attention - failed and needs_decision tasks
/usage - recent execution telemetry
/direction "..." - create and run a task`

// Adapter routes inbound updates to the service and sends replies and
// alerts through the transport.
type Adapter struct {
	transport Transport
	service   Service
	recorder  usage.Recorder
	logger    *slog.Logger

	// chatIDs receive alert fan-out.
	chatIDs []int64
	// allowedUsers, when non-empty, drops updates from anyone else.
	allowedUsers map[int64]bool
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAlertChats sets the alert fan-out recipients.
func WithAlertChats(chatIDs []int64) AdapterOption {
	return func(a *Adapter) { a.chatIDs = chatIDs }
}

// WithAllowedUsers enables the inbound allowlist.
func WithAllowedUsers(userIDs []int64) AdapterOption {
	return func(a *Adapter) {
		if len(userIDs) == 0 {
			return
		}
		a.allowedUsers = make(map[int64]bool, len(userIDs))
		for _, id := range userIDs {
			a.allowedUsers[id] = true
		}
	}
}

// WithUsageRecorder backs the /usage command.
func WithUsageRecorder(r usage.Recorder) AdapterOption {
	return func(a *Adapter) { a.recorder = r }
}

// WithAdapterLogger sets the logger.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// NewAdapter creates the chat adapter.
func NewAdapter(transport Transport, service Service, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		transport: transport,
		service:   service,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SendAlert implements alert.Notifier: fan-out to every configured
// chat. Individual failures are logged; the first is returned.
func (a *Adapter) SendAlert(ctx context.Context, message string) error {
	var firstErr error
	for _, chatID := range a.chatIDs {
		if err := a.transport.Send(ctx, chatID, message, ParseModeMarkdown); err != nil {
			a.logger.Warn("Alert delivery failed", "chat_id", chatID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HandleUpdate processes one inbound webhook delivery.
func (a *Adapter) HandleUpdate(ctx context.Context, update *Update) {
	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID
	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	if a.allowedUsers != nil && !a.allowedUsers[userID] {
		a.logger.Info("Dropping update from non-allowlisted user", "user_id", userID)
		return
	}

	command, arg := ParseCommand(text)
	reply := a.dispatch(ctx, command, arg)
	if reply == "" {
		return
	}
	if err := a.transport.Send(ctx, chatID, reply, ParseModeMarkdown); err != nil {
		a.logger.Warn("Reply delivery failed", "chat_id", chatID, "command", command, "error", err)
	}
}

func (a *Adapter) dispatch(ctx context.Context, command, arg string) string {
	switch command {
	case "status":
		return a.cmdStatus(ctx)
	case "tasks":
		return a.cmdTasks(ctx, arg)
	case "task":
		return a.cmdTask(ctx, arg)
	case "reply":
		return a.cmdReply(ctx, arg)
	case "attention":
		return a.cmdAttention(ctx)
	case "usage":
		return a.cmdUsage(ctx)
	case "direction":
		return a.cmdDirection(ctx, arg)
	default:
		return helpText
	}
}

func (a *Adapter) cmdStatus(ctx context.Context) string {
	counts, err := a.service.CountByStatus(ctx)
	if err != nil {
		return "Failed to read task counts: " + err.Error()
	}
	total := 0
	var b strings.Builder
	b.WriteString("Task counts:\n")
	for _, s := range []task.Status{task.StatusPending, task.StatusRunning, task.StatusNeedsDecision, task.StatusCompleted, task.StatusFailed} {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", s, n)
			total += n
		}
	}
	fmt.Fprintf(&b, "Total: %d", total)
	return b.String()
}

func (a *Adapter) cmdTasks(ctx context.Context, arg string) string {
	filter := store.ListFilter{Limit: 10}
	if arg != "" {
		status := task.Status(arg)
		if !status.Valid() {
			return fmt.Sprintf("Unknown status %q. %s", arg, helpText)
		}
		filter.Status = &status
	}
	items, total, err := a.service.ListTasks(ctx, filter)
	if err != nil {
		return "Failed to list tasks: " + err.Error()
	}
	if len(items) == 0 {
		return "No tasks."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s):\n", total)
	for _, t := range items {
		b.WriteString(summarize(t) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Adapter) cmdTask(ctx context.Context, id string) string {
	if id == "" {
		return "Usage: /task {id}"
	}
	t, err := a.service.GetTask(ctx, id)
	if err != nil {
		return fmt.Sprintf("Task %s not found", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "`%s`\nStatus: %s\nKind: %s\nModel: %s\nDirection: %s",
		t.ID, t.Status, t.Kind, t.Model, alert.EscapeMarkdown(truncate(t.Direction, 200)))
	if prompt := t.Context.String(task.KeyDecisionPrompt); prompt != "" {
		b.WriteString("\nDecision prompt: " + alert.EscapeMarkdown(prompt))
	}
	if t.Output != "" {
		b.WriteString("\nOutput: " + alert.EscapeMarkdown(truncate(t.Output, 400)))
	}
	return b.String()
}

func (a *Adapter) cmdReply(ctx context.Context, arg string) string {
	parts := strings.SplitN(arg, " ", 2)
	if len(parts) < 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
		return "Usage: /reply {id} {decision}"
	}
	id, decision := parts[0], strings.TrimSpace(parts[1])

	patch := &task.UpdateRequest{Decision: &decision}
	t, err := a.service.UpdateTask(ctx, id, patch, "")
	if err != nil {
		return fmt.Sprintf("Failed to record decision for %s: %v", id, err)
	}
	return fmt.Sprintf("Decision recorded for `%s`; status is now %s", t.ID, t.Status)
}

func (a *Adapter) cmdAttention(ctx context.Context) string {
	items, total, err := a.service.ListTasks(ctx, store.ListFilter{
		Statuses: []task.Status{task.StatusFailed, task.StatusNeedsDecision},
		Limit:    10,
	})
	if err != nil {
		return "Failed to list tasks: " + err.Error()
	}
	if len(items) == 0 {
		return "Nothing needs attention."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s) need attention:\n", total)
	for _, t := range items {
		b.WriteString(summarize(t) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Adapter) cmdUsage(ctx context.Context) string {
	if a.recorder == nil {
		return "Usage telemetry is not configured."
	}
	events, err := a.recorder.Recent(ctx, 20)
	if err != nil {
		return "Failed to read usage events: " + err.Error()
	}
	if len(events) == 0 {
		return "No usage recorded yet."
	}

	var totalTokens int
	var totalCost float64
	var failures int
	for _, ev := range events {
		if n, ok := ev.Metadata["total_tokens"].(float64); ok {
			totalTokens += int(n)
		} else if n, ok := ev.Metadata["total_tokens"].(int); ok {
			totalTokens += n
		}
		if c, ok := ev.Metadata["runtime_cost_usd"].(float64); ok {
			totalCost += c
		}
		if ev.StatusCode != 200 {
			failures++
		}
	}
	return fmt.Sprintf("Last %d executions: %d tokens, $%.4f runtime cost, %d failure(s)",
		len(events), totalTokens, totalCost, failures)
}

func (a *Adapter) cmdDirection(ctx context.Context, arg string) string {
	direction := strings.Trim(strings.TrimSpace(arg), `"`)
	if direction == "" {
		return `Usage: /direction "describe the work"`
	}

	t, err := a.service.CreateTask(ctx, &task.CreateRequest{
		Direction: direction,
		Kind:      task.KindImpl,
	})
	if err != nil {
		return "Failed to create task: " + err.Error()
	}
	a.service.ExecuteAsync(t.ID, "chat")
	return fmt.Sprintf("Created `%s` (%s), executing", t.ID, t.Model)
}

func summarize(t *task.Task) string {
	return fmt.Sprintf("`%s` %s %s | %s", t.ID, t.Status, t.Kind, alert.EscapeMarkdown(truncate(t.Direction, 60)))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
