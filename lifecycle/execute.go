package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/agentd/llm"
	"github.com/c360studio/agentd/route"
	"github.com/c360studio/agentd/task"
)

// PaidProviderBlockedOutput is the exact output stored when the paid
// guard refuses an execution.
const PaidProviderBlockedOutput = "Blocked: task routes to a paid provider and AGENT_ALLOW_PAID_PROVIDERS is disabled."

// ErrClaimFailed wraps storage rejections during the claim step.
var ErrClaimFailed = errors.New("claim_failed")

// ExecOptions tune one execution invocation.
type ExecOptions struct {
	// ForcePaid bypasses the paid-provider guard for this run.
	ForcePaid bool

	// Cost budget handed to the adapter; zero MaxCostUSD disables it.
	MaxCostUSD       float64
	EstimatedCostUSD float64
	CostSlackRatio   float64
}

// Execute claims the task, applies the paid guard, runs the adapter,
// folds the result into the task, and drives the retry policy.
func (c *Controller) Execute(ctx context.Context, id, workerID string, opts ExecOptions) (*task.Task, error) {
	return c.execute(ctx, id, workerID, opts, 0)
}

// ExecuteAsync runs Execute on a background goroutine. The HTTP and
// chat surfaces use it so their responses do not wait on providers.
func (c *Controller) ExecuteAsync(id, workerID string) {
	c.ExecuteAsyncWithOptions(id, workerID, ExecOptions{})
}

// ExecuteAsyncWithOptions is ExecuteAsync with per-run options.
func (c *Controller) ExecuteAsyncWithOptions(id, workerID string, opts ExecOptions) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.execute(context.Background(), id, workerID, opts, 0); err != nil {
			c.logger.Warn("Async execution failed", "task_id", id, "error", err)
		}
	}()
}

func (c *Controller) execute(ctx context.Context, id, workerID string, opts ExecOptions, depth int) (*task.Task, error) {
	started := time.Now()

	running := task.StatusRunning
	claimed, err := c.UpdateTask(ctx, id, &task.UpdateRequest{Status: &running}, workerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}

	model := claimed.Model
	isPaid := routeIsPaid(claimed)
	if override := claimed.Context.String(task.KeyModelOverride); override != "" {
		model = override
		_, isPaid = route.Classify(model, claimed.Command, routeExecutor(claimed))
	}

	force := opts.ForcePaid || claimed.Context.Bool(task.KeyForcePaid)
	if isPaid && !c.opts.AllowPaidProviders && !force {
		blocked := PaidProviderBlockedOutput
		failed := task.StatusFailed
		t, err := c.UpdateTask(ctx, id, &task.UpdateRequest{
			Status:  &failed,
			Output:  &blocked,
			Context: task.Context{task.KeyError: "paid_provider_blocked"},
		}, workerID)
		if err != nil {
			return nil, err
		}
		executeDuration.WithLabelValues(string(task.StatusFailed)).Observe(time.Since(started).Seconds())
		return c.maybeRetry(ctx, t, workerID, opts, depth)
	}

	c.logger.Info("Executing task",
		"task_id", id,
		"model", model,
		"worker_id", workerID,
		"retry_depth", depth)

	result := c.adapter.Run(ctx, llm.RunRequest{
		TaskID:           id,
		Model:            model,
		Prompt:           claimed.Direction,
		IsPaid:           isPaid,
		MaxCostUSD:       opts.MaxCostUSD,
		EstimatedCostUSD: opts.EstimatedCostUSD,
		CostSlackRatio:   opts.CostSlackRatio,
	})

	final := task.StatusFailed
	patch := &task.UpdateRequest{Status: &final}
	if result.OK {
		final = task.StatusCompleted
		patch.Output = &result.Content
	} else {
		patch.Output = &result.Error
	}

	t, err := c.UpdateTask(ctx, id, patch, workerID)
	if err != nil {
		return nil, err
	}
	executeDuration.WithLabelValues(string(final)).Observe(time.Since(started).Seconds())

	if final == task.StatusFailed {
		return c.maybeRetry(ctx, t, workerID, opts, depth)
	}
	return t, nil
}

// routeIsPaid reads the paid classification out of the route snapshot.
func routeIsPaid(t *task.Task) bool {
	snap, _ := t.Context[task.KeyRouteDecision].(map[string]any)
	paid, _ := snap["is_paid_provider"].(bool)
	return paid
}

// routeExecutor reads the resolved executor out of the route snapshot.
func routeExecutor(t *task.Task) string {
	snap, _ := t.Context[task.KeyRouteDecision].(map[string]any)
	executor, _ := snap["executor"].(string)
	return executor
}
