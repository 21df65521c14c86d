package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/c360studio/agentd/route"
	"github.com/c360studio/agentd/task"
)

// Failure buckets recorded under context.failure_reason_bucket.
const (
	BucketTimeout             = "timeout"
	BucketPaidProviderBlocked = "paid_provider_blocked"
	BucketEmptyOutput         = "empty_output"
	BucketOther               = "other"
)

// Diagnostics sources recorded under context.failure_diagnostics_source.
const (
	DiagnosticsFromContextError = "context.error"
	DiagnosticsFallback         = "fallback"
)

// maxFailureOutputChars bounds context.last_failure_output (~1.2 KiB).
const maxFailureOutputChars = 1200

// failureBucket maps failure output to its taxonomy bucket.
func failureBucket(output string) string {
	lower := strings.ToLower(output)
	switch {
	case strings.TrimSpace(output) == "":
		return BucketEmptyOutput
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return BucketTimeout
	case strings.Contains(lower, "paid provider") || strings.Contains(lower, "paid_provider_blocked"):
		return BucketPaidProviderBlocked
	default:
		return BucketOther
	}
}

// retryHint maps failure output to an actionable hint for the next
// attempt.
func retryHint(output string) string {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "paid provider") || strings.Contains(lower, "paid_provider_blocked"):
		return "Paid providers are disabled; retry with a free-tier model or enable AGENT_ALLOW_PAID_PROVIDERS."
	case strings.Contains(lower, "window budget"):
		return "Observation window budget exhausted; narrow the direction or raise the window."
	case strings.Contains(lower, "cost overrun"):
		return "Execution exceeded the cost budget; raise max_cost_usd or pick a cheaper model."
	case strings.Contains(lower, "empty direction"):
		return "Direction was empty after trimming; provide concrete work to execute."
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return "Execution timed out; break the direction into smaller steps or pick a faster model."
	case strings.Contains(lower, "claim_failed"):
		return "Claiming the task failed; check that storage is reachable and the task is not already claimed."
	default:
		return "Execution failed; review last_failure_output and adjust the direction before the next attempt."
	}
}

// boundFailureOutput clips the stored failure snippet at a rune
// boundary.
func boundFailureOutput(output string) string {
	return task.Clip(output, maxFailureOutputChars)
}

// maybeRetry applies the retry policy to a task that just entered
// failed. When a retry is admitted, the task is re-persisted as
// pending with rewritten context and execution recurses with an
// incremented depth. Otherwise only failure bookkeeping is recorded.
func (c *Controller) maybeRetry(ctx context.Context, t *task.Task, workerID string, opts ExecOptions, depth int) (*task.Task, error) {
	bookkeeping := task.Context{
		task.KeyFailureHits:       t.Context.IntOr(task.KeyFailureHits, 0) + 1,
		task.KeyLastFailureOutput: boundFailureOutput(t.Output),
		task.KeyLastFailureAt:     c.now().UTC().Format(time.RFC3339),
	}

	retryMax := t.Context.RetryMax(c.opts.RetryMaxDefault)
	count := t.Context.RetryCount()
	if count >= retryMax || depth >= retryMax {
		updated, err := c.UpdateTask(ctx, t.ID, &task.UpdateRequest{Context: bookkeeping}, workerID)
		if err != nil {
			return nil, err
		}
		c.logger.Info("Retry budget exhausted",
			"task_id", t.ID,
			"retry_count", count,
			"retry_max", retryMax)
		return updated, nil
	}

	count++
	bookkeeping[task.KeyRetryCount] = count
	bookkeeping[task.KeyRetryHint] = retryHint(t.Output)

	retryOpts := opts
	lower := strings.ToLower(t.Output)
	switch {
	case (strings.Contains(lower, "paid provider") || strings.Contains(lower, "paid_provider_blocked")) && c.opts.AutoRetryOpenAIOverride:
		bookkeeping[task.KeyModelOverride] = c.opts.RetryModelOverride
		bookkeeping[task.KeyExecutor] = route.ExecutorOpenclaw
		bookkeeping[task.KeyForcePaid] = true
		retryOpts.ForcePaid = true
	case t.Model == c.opts.SparkModel && count == 1:
		bookkeeping[task.KeyModelOverride] = c.opts.SparkFallbackModel
		bookkeeping[task.KeyForcePaid] = true
		retryOpts.ForcePaid = true
	}

	pending := task.StatusPending
	if _, err := c.UpdateTask(ctx, t.ID, &task.UpdateRequest{
		Status:  &pending,
		Context: bookkeeping,
	}, workerID); err != nil {
		return nil, err
	}

	retriesScheduled.Inc()
	c.logger.Info("Retrying task",
		"task_id", t.ID,
		"retry_count", count,
		"retry_max", retryMax,
		"hint", bookkeeping[task.KeyRetryHint])

	return c.execute(ctx, t.ID, workerID, retryOpts, depth+1)
}
