// Package alert emits at most one chat message per task status
// transition into failed or needs_decision, with a rolling-window bound
// on failed alerts. Sends run on a background worker so PATCH responses
// never wait on transport latency.
package alert

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/agentd/task"
)

// Window defaults for the failed-alert rate limit.
const (
	DefaultFailedWindow       = 30 * time.Minute
	DefaultFailedMaxPerWindow = 1
)

// failedBadge is the first line of a failed alert; the rolling window
// counts messages beginning with it.
const failedBadge = "Status: failed"

// Notifier delivers a rendered alert over the chat transport.
type Notifier interface {
	SendAlert(ctx context.Context, message string) error
}

// Dispatcher tracks per-task alert state and dispatches sends.
type Dispatcher struct {
	notifier     Notifier
	window       time.Duration
	maxPerWindow int
	sendTimeout  time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu          sync.Mutex
	lastAlerted map[string]task.Status
	failedSends []time.Time

	queue chan string
	wg    sync.WaitGroup
	once  sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFailedWindow overrides the rolling window for failed alerts.
func WithFailedWindow(window time.Duration, maxPerWindow int) Option {
	return func(d *Dispatcher) {
		if window > 0 {
			d.window = window
		}
		if maxPerWindow > 0 {
			d.maxPerWindow = maxPerWindow
		}
	}
}

// WithClock injects the time source for window tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher and starts its send worker.
// A nil notifier disables outbound sends but keeps the bookkeeping, so
// alert idempotence is still observable in tests.
func NewDispatcher(notifier Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		notifier:     notifier,
		window:       DefaultFailedWindow,
		maxPerWindow: DefaultFailedMaxPerWindow,
		sendTimeout:  15 * time.Second,
		now:          time.Now,
		logger:       slog.Default(),
		lastAlerted:  make(map[string]task.Status),
		queue:        make(chan string, 256),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.worker()
	return d
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

// worker sends queued alerts in order. A single consumer preserves
// per-task transition order.
func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for message := range d.queue {
		if d.notifier == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		if err := d.notifier.SendAlert(ctx, message); err != nil {
			d.logger.Warn("Alert send failed", "error", err)
		}
		cancel()
	}
}

// TaskEntered is called by the lifecycle controller after a task's
// status changed. It enqueues at most one alert per (task, entering
// status) transition.
func (d *Dispatcher) TaskEntered(t *task.Task, entering task.Status) {
	if entering != task.StatusFailed && entering != task.StatusNeedsDecision {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastAlerted[t.ID] == entering {
		return
	}
	d.lastAlerted[t.ID] = entering

	message := Render(t, entering)

	if strings.HasPrefix(message, failedBadge) && !d.admitFailedLocked() {
		d.logger.Info("Failed alert suppressed by rolling window",
			"task_id", t.ID,
			"window", d.window,
			"max_per_window", d.maxPerWindow)
		return
	}

	select {
	case d.queue <- message:
	default:
		d.logger.Warn("Alert queue full, dropping alert", "task_id", t.ID)
	}
}

// admitFailedLocked applies the rolling-window limit to failed alerts.
// Caller holds d.mu.
func (d *Dispatcher) admitFailedLocked() bool {
	now := d.now()
	cutoff := now.Add(-d.window)

	kept := d.failedSends[:0]
	for _, ts := range d.failedSends {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.failedSends = kept

	if len(d.failedSends) >= d.maxPerWindow {
		return false
	}
	d.failedSends = append(d.failedSends, now)
	return true
}

// Render builds the Markdown-safe alert message: first-line status
// badge, truncated direction, task id, optional decision prompt.
func Render(t *task.Task, entering task.Status) string {
	var b strings.Builder
	switch entering {
	case task.StatusFailed:
		b.WriteString(failedBadge)
	case task.StatusNeedsDecision:
		b.WriteString("Status: needs_decision")
	default:
		b.WriteString("Status: " + string(entering))
	}
	b.WriteString("\n")

	direction := task.Clip(t.Direction, 80)
	b.WriteString("Direction: " + EscapeMarkdown(direction) + "\n")
	b.WriteString("Task: `" + t.ID + "` (" + string(t.Kind) + ")")

	if prompt := t.Context.String(task.KeyDecisionPrompt); prompt != "" && entering == task.StatusNeedsDecision {
		b.WriteString("\nDecision needed: " + EscapeMarkdown(prompt))
	}
	if entering == task.StatusFailed && t.Output != "" {
		snippet := t.Output
		if len(snippet) > 200 {
			snippet = task.Clip(snippet, 200) + "..."
		}
		b.WriteString("\nOutput: " + EscapeMarkdown(snippet))
	}
	return b.String()
}

// markdownEscaper neutralizes the characters Telegram Markdown treats
// as formatting.
var markdownEscaper = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"`", "\\`",
)

// EscapeMarkdown makes free-form text safe inside a Markdown message.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
