package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentd/llm"
	"github.com/c360studio/agentd/task"
)

// scriptedProvider answers with a per-model script and records calls.
type scriptedProvider struct {
	name string
	fn   func(model, prompt string) (*llm.Completion, error)

	mu     sync.Mutex
	models []string
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Complete(_ context.Context, model, prompt string) (*llm.Completion, error) {
	s.mu.Lock()
	s.models = append(s.models, model)
	s.mu.Unlock()
	return s.fn(model, prompt)
}

func (s *scriptedProvider) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.models)
}

func (s *scriptedProvider) calledModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.models...)
}

func scriptPrimary(fn func(model, prompt string) (*llm.Completion, error)) *scriptedProvider {
	p := &scriptedProvider{name: llm.PrimaryProvider, fn: fn}
	llm.RegisterProvider(p)
	return p
}

func answer(content string) func(string, string) (*llm.Completion, error) {
	return func(string, string) (*llm.Completion, error) {
		return &llm.Completion{Content: content}, nil
	}
}

func refuse(message string) func(string, string) (*llm.Completion, error) {
	return func(string, string) (*llm.Completion, error) {
		return nil, errors.New(message)
	}
}

func createFreeTask(t *testing.T, c *Controller) *task.Task {
	t.Helper()
	created, err := c.CreateTask(context.Background(), &task.CreateRequest{
		Direction: "summarize yesterday's deploy log",
		Kind:      task.KindImpl,
	})
	require.NoError(t, err)
	return created
}

func createPaidTask(t *testing.T, c *Controller) *task.Task {
	t.Helper()
	created, err := c.CreateTask(context.Background(), &task.CreateRequest{
		Direction: "rewrite the scheduler core",
		Kind:      task.KindImpl,
		Context:   task.Context{task.KeyExecutor: "openclaw"},
	})
	require.NoError(t, err)
	return created
}

func TestExecuteSuccess(t *testing.T) {
	primary := scriptPrimary(answer("deploy log summary"))
	c, _ := newTestController(Options{})
	created := createFreeTask(t, c)

	done, err := c.Execute(context.Background(), created.ID, "worker-1", ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, "deploy log summary", done.Output)
	assert.Equal(t, "worker-1", done.ClaimedBy)
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, []string{"openrouter/free/deepseek-chat"}, primary.calledModels())
}

func TestExecuteFailureRetriesThenStops(t *testing.T) {
	primary := scriptPrimary(refuse("request timed out"))
	c, _ := newTestController(Options{RetryMaxDefault: 1})
	created := createFreeTask(t, c)

	done, err := c.Execute(context.Background(), created.ID, "worker-1", ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, done.Status)
	assert.Contains(t, done.Output, "timed out")
	assert.Equal(t, 2, primary.calls())

	assert.Equal(t, 1, done.Context.RetryCount())
	assert.Equal(t, 2, done.Context.IntOr(task.KeyFailureHits, 0))
	assert.Equal(t, BucketTimeout, done.Context.String(task.KeyFailureBucket))
	assert.Contains(t, done.Context.String(task.KeyRetryHint), "timed out")
	assert.Contains(t, done.Context.String(task.KeyLastFailureOutput), "timed out")
	assert.NotEmpty(t, done.Context.String(task.KeyLastFailureAt))
}

func TestExecuteRespectsTaskRetryMax(t *testing.T) {
	primary := scriptPrimary(refuse("request timed out"))
	c, _ := newTestController(Options{RetryMaxDefault: 5})
	ctx := context.Background()

	created, err := c.CreateTask(ctx, &task.CreateRequest{
		Direction: "flaky job with no retries",
		Kind:      task.KindImpl,
		Context:   task.Context{task.KeyRetryMax: 0},
	})
	require.NoError(t, err)

	done, err := c.Execute(ctx, created.ID, "worker-1", ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, done.Status)
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 0, done.Context.RetryCount())
}

func TestExecutePaidBlocked(t *testing.T) {
	primary := scriptPrimary(answer("should never run"))
	c, _ := newTestController(Options{AllowPaidProviders: false})
	created := createPaidTask(t, c)

	done, err := c.Execute(context.Background(), created.ID, "worker-1", ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, done.Status)
	assert.Equal(t, PaidProviderBlockedOutput, done.Output)
	assert.Equal(t, "paid_provider_blocked", done.Context.String(task.KeyError))
	assert.Equal(t, BucketPaidProviderBlocked, done.Context.String(task.KeyFailureBucket))
	assert.Zero(t, primary.calls())

	// The default retry was admitted but blocked again.
	assert.Equal(t, 1, done.Context.RetryCount())
	assert.Contains(t, done.Context.String(task.KeyRetryHint), "AGENT_ALLOW_PAID_PROVIDERS")
}

func TestExecutePaidAllowed(t *testing.T) {
	primary := scriptPrimary(answer("scheduler rewritten"))
	c, _ := newTestController(Options{AllowPaidProviders: true})
	created := createPaidTask(t, c)

	done, err := c.Execute(context.Background(), created.ID, "worker-1", ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, []string{"openclaw/gpt-5.3-codex"}, primary.calledModels())
}

func TestExecuteForcePaidOption(t *testing.T) {
	primary := scriptPrimary(answer("forced through"))
	c, _ := newTestController(Options{AllowPaidProviders: false})
	created := createPaidTask(t, c)

	done, err := c.Execute(context.Background(), created.ID, "worker-1", ExecOptions{ForcePaid: true})
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, 1, primary.calls())
}

func TestExecutePaidEscalation(t *testing.T) {
	primary := scriptPrimary(answer("escalated run succeeded"))
	c, _ := newTestController(Options{
		AllowPaidProviders:      false,
		AutoRetryOpenAIOverride: true,
	})
	created := createPaidTask(t, c)

	done, err := c.Execute(context.Background(), created.ID, "worker-1", ExecOptions{})
	require.NoError(t, err)

	// First attempt was blocked; the retry escalated past the guard.
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, "escalated run succeeded", done.Output)
	assert.Equal(t, 1, done.Context.RetryCount())
	assert.Equal(t, DefaultRetryModelOverride, done.Context.String(task.KeyModelOverride))
	assert.Equal(t, "openclaw", done.Context.String(task.KeyExecutor))
	assert.True(t, done.Context.Bool(task.KeyForcePaid))
	assert.Equal(t, []string{DefaultRetryModelOverride}, primary.calledModels())
}

func TestExecuteSparkFallback(t *testing.T) {
	primary := scriptPrimary(func(model, _ string) (*llm.Completion, error) {
		if model == DefaultSparkModel {
			return nil, errors.New("spark tier rejected the prompt")
		}
		return &llm.Completion{Content: "full model handled it"}, nil
	})
	c, _ := newTestController(Options{AllowPaidProviders: true})
	ctx := context.Background()

	created, err := c.CreateTask(ctx, &task.CreateRequest{
		Direction: "draft the regression test plan",
		Kind:      task.KindTest,
		Context:   task.Context{task.KeyExecutor: "openclaw"},
	})
	require.NoError(t, err)
	require.Equal(t, DefaultSparkModel, created.Model)

	done, err := c.Execute(ctx, created.ID, "worker-1", ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, "full model handled it", done.Output)
	assert.Equal(t, 1, done.Context.RetryCount())
	assert.Equal(t, DefaultRetryModelOverride, done.Context.String(task.KeyModelOverride))
	assert.Equal(t, []string{DefaultSparkModel, DefaultRetryModelOverride}, primary.calledModels())
}

func TestExecuteClaimFailed(t *testing.T) {
	c, _ := newTestController(Options{})

	_, err := c.Execute(context.Background(), "task_0000000000000000", "worker-1", ExecOptions{})
	assert.ErrorIs(t, err, ErrClaimFailed)
}

func TestExecuteAsync(t *testing.T) {
	scriptPrimary(answer("async done"))
	c, _ := newTestController(Options{})
	created := createFreeTask(t, c)

	c.ExecuteAsync(created.ID, "worker-async")
	c.Wait()

	done, err := c.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
	assert.Equal(t, "async done", done.Output)
}
