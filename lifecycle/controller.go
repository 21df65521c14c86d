// Package lifecycle owns every task mutation: creation with route
// snapshotting, the patch state machine, execution with the paid
// guard and retry policy, runner heartbeats, and orphan recovery.
// All writes to one task are serialized behind a per-task mutex.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/agentd/alert"
	"github.com/c360studio/agentd/bus"
	"github.com/c360studio/agentd/llm"
	"github.com/c360studio/agentd/route"
	"github.com/c360studio/agentd/runner"
	"github.com/c360studio/agentd/store"
	"github.com/c360studio/agentd/task"
)

// Defaults for the policy knobs carried in Options.
const (
	DefaultRetryMax           = 1
	DefaultOrphanThresholdSec = 1800
	DefaultOrphanMaxTasks     = 10
	DefaultRetryModelOverride = "gpt-5.3-codex"
	DefaultSparkModel         = "openclaw/gpt-5.3-codex-spark"
)

// Options are the policy knobs resolved from configuration at startup.
type Options struct {
	// AllowPaidProviders globally permits executions that route to a
	// paid provider. Individual retries may force past this with
	// force_paid_providers.
	AllowPaidProviders bool

	// AutoRetryOpenAIOverride escalates paid-provider-blocked failures
	// to a paid Codex model on retry.
	AutoRetryOpenAIOverride bool
	// RetryModelOverride is the model that escalation selects.
	RetryModelOverride string

	// SparkModel and SparkFallbackModel drive the first-retry fallback
	// from the spark-tier Codex model to the full one.
	SparkModel         string
	SparkFallbackModel string

	// RetryMaxDefault bounds retries for tasks that do not carry their
	// own retry_max.
	RetryMaxDefault int

	// OrphanThresholdSec and OrphanMaxTasks bound orphan recovery.
	OrphanThresholdSec int
	OrphanMaxTasks     int
	// HealOnOrphan creates a heal task after a recovery sweep.
	HealOnOrphan bool

	// MaxOutputChars bounds stored task output; zero selects the
	// package default (~100 KiB).
	MaxOutputChars int
}

// withDefaults fills zero values with the documented defaults.
func (o Options) withDefaults() Options {
	if o.RetryModelOverride == "" {
		o.RetryModelOverride = DefaultRetryModelOverride
	}
	if o.SparkModel == "" {
		o.SparkModel = DefaultSparkModel
	}
	if o.SparkFallbackModel == "" {
		o.SparkFallbackModel = DefaultRetryModelOverride
	}
	if o.RetryMaxDefault <= 0 {
		o.RetryMaxDefault = DefaultRetryMax
	}
	if o.OrphanThresholdSec <= 0 {
		o.OrphanThresholdSec = DefaultOrphanThresholdSec
	}
	if o.OrphanMaxTasks <= 0 {
		o.OrphanMaxTasks = DefaultOrphanMaxTasks
	}
	return o
}

// Controller is the single writer for tasks and runners.
type Controller struct {
	tasks   store.TaskStore
	runners store.RunnerStore
	router  *route.Engine
	adapter *llm.Adapter
	alerts  *alert.Dispatcher
	events  *bus.Publisher
	opts    Options
	now     func() time.Time
	logger  *slog.Logger

	// locks serializes writes per task id.
	locks sync.Map
	// upsertMu serializes upsert-active so one session key never races
	// itself into two tasks.
	upsertMu sync.Mutex

	wg sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAlerts attaches the alert dispatcher.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(c *Controller) { c.alerts = d }
}

// WithBus attaches the event publisher. A nil publisher is a no-op.
func WithBus(p *bus.Publisher) Option {
	return func(c *Controller) { c.events = p }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New creates the controller. The routing engine is built here so that
// the controller can serve as its failure history.
func New(tasks store.TaskStore, runners store.RunnerStore, adapter *llm.Adapter, routeCfg route.Config, opts Options, options ...Option) *Controller {
	c := &Controller{
		tasks:   tasks,
		runners: runners,
		adapter: adapter,
		opts:    opts.withDefaults(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.router = route.NewEngine(routeCfg, c)
	return c
}

// AttachAlerts wires the alert dispatcher after construction. The chat
// adapter needs the controller and the dispatcher needs the chat
// adapter, so alerts attach last during startup.
func (c *Controller) AttachAlerts(d *alert.Dispatcher) {
	c.alerts = d
}

// Wait blocks until every async execution started by ExecuteAsync has
// finished. Called on shutdown.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// lockFor returns the mutex serializing writes to one task.
func (c *Controller) lockFor(id string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateTask validates the request, snapshots the route decision, and
// persists a pending task.
func (c *Controller) CreateTask(ctx context.Context, req *task.CreateRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	decision := c.router.Decide(ctx, req.Kind, req.Direction, req.Context)

	tctx := req.Context.Clone()
	if tctx == nil {
		tctx = task.Context{}
	}
	tctx[task.KeyRouteDecision] = decision.AsMap()
	tctx[task.KeyExecutorPolicy] = map[string]any{
		"reason":   decision.Reason,
		"executor": decision.Executor,
	}
	tctx[task.KeyCardValidation] = task.ValidateCard(tctx).AsMap()
	if req.TargetState != "" {
		tctx[task.KeyTargetState] = req.TargetState
	}
	if evidence := req.SuccessEvidence.Normalize(); len(evidence) > 0 {
		tctx[task.KeySuccessEvidence] = evidence
	}
	if evidence := req.AbortEvidence.Normalize(); len(evidence) > 0 {
		tctx[task.KeyAbortEvidence] = evidence
	}
	if req.ObservationWindowSec != nil {
		tctx[task.KeyObservationWindow] = *req.ObservationWindowSec
	}

	now := c.now().UTC()
	t := &task.Task{
		ID:        task.NewID(),
		Direction: req.Direction,
		Kind:      req.Kind,
		Status:    task.StatusPending,
		Model:     decision.Model,
		Command:   route.Render(decision.CommandTemplate, req.Direction, decision.Model),
		Tier:      decision.Tier,
		Context:   tctx,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.tasks.Upsert(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	statusTransitions.WithLabelValues(string(task.StatusPending)).Inc()
	c.events.PublishTaskStatus(t, task.StatusPending)
	c.logger.Info("Task created",
		"task_id", t.ID,
		"task_type", t.Kind,
		"executor", decision.Executor,
		"model", decision.Model,
		"reason", decision.Reason)
	return t.Clone(), nil
}

// GetTask returns one task by id.
func (c *Controller) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return c.tasks.Get(ctx, id)
}

// ListTasks returns matching tasks plus the pre-pagination total.
func (c *Controller) ListTasks(ctx context.Context, f store.ListFilter) ([]*task.Task, int, error) {
	return c.tasks.List(ctx, f)
}

// CountByStatus returns per-status task counts.
func (c *Controller) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	return c.tasks.CountByStatus(ctx)
}

// UpdateTask applies a patch under the per-task lock: context merge,
// progress fields, the decision transition, claim bookkeeping, failed
// output synthesis, truncation, and alert dispatch.
func (c *Controller) UpdateTask(ctx context.Context, id string, patch *task.UpdateRequest, workerID string) (*task.Task, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := c.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	t := cur.Clone()
	prev := t.Status
	now := c.now().UTC()

	if t.Context == nil {
		t.Context = task.Context{}
	}
	if patch.Context != nil {
		t.Context = t.Context.Merge(patch.Context)
	}

	worker := workerID
	if patch.WorkerID != nil && strings.TrimSpace(*patch.WorkerID) != "" {
		worker = strings.TrimSpace(*patch.WorkerID)
	}
	if worker != "" {
		t.Context[task.KeyWorkerID] = worker
	}

	if patch.ProgressPct != nil {
		t.Context[task.KeyProgressPct] = *patch.ProgressPct
	}
	if patch.CurrentStep != nil {
		t.Context[task.KeyCurrentStep] = *patch.CurrentStep
	}
	if patch.DecisionPrompt != nil {
		t.Context[task.KeyDecisionPrompt] = *patch.DecisionPrompt
	}
	if patch.TargetState != nil {
		t.Context[task.KeyTargetState] = strings.TrimSpace(*patch.TargetState)
	}
	if patch.SuccessEvidence != nil {
		t.Context[task.KeySuccessEvidence] = patch.SuccessEvidence.Normalize()
	}
	if patch.AbortEvidence != nil {
		t.Context[task.KeyAbortEvidence] = patch.AbortEvidence.Normalize()
	}
	if patch.ObservationWindowSec != nil {
		t.Context[task.KeyObservationWindow] = *patch.ObservationWindowSec
	}

	if patch.Decision != nil {
		t.Context[task.KeyDecision] = *patch.Decision
		// A recorded decision resumes a waiting task unless the patch
		// pins the status explicitly.
		if t.Status == task.StatusNeedsDecision && patch.Status == nil {
			t.Status = task.StatusRunning
		}
	}

	if patch.Status != nil {
		t.Status = *patch.Status
	}

	if t.Status == task.StatusRunning && prev != task.StatusRunning {
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
		if worker != "" {
			t.ClaimedBy = worker
			claimed := now
			t.ClaimedAt = &claimed
		}
	}

	if patch.Output != nil {
		t.Output = *patch.Output
	}

	if t.Status == task.StatusFailed && prev != task.StatusFailed {
		c.enterFailed(t)
	}

	t.Output = task.TruncateOutput(t.Output, c.opts.MaxOutputChars)
	t.UpdatedAt = now

	if err := c.tasks.Upsert(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	if t.Status != prev {
		statusTransitions.WithLabelValues(string(t.Status)).Inc()
		c.events.PublishTaskStatus(t, t.Status)
		if c.alerts != nil {
			c.alerts.TaskEntered(t, t.Status)
		}
		c.logger.Info("Task status changed",
			"task_id", t.ID,
			"from", prev,
			"to", t.Status)
	}

	return t.Clone(), nil
}

// enterFailed enforces the failed-entry diagnostics: output is never
// empty, and the failure bucket is recorded.
func (c *Controller) enterFailed(t *task.Task) {
	if strings.TrimSpace(t.Output) == "" {
		if errText := t.Context.String(task.KeyError); errText != "" {
			t.Output = "Task failed: " + errText
			t.Context[task.KeyDiagnosticsSource] = DiagnosticsFromContextError
		} else {
			t.Output = "Task failed without diagnostic output."
			t.Context[task.KeyDiagnosticsSource] = DiagnosticsFallback
			t.Context[task.KeyFailureBucket] = BucketEmptyOutput
			return
		}
	}
	t.Context[task.KeyFailureBucket] = failureBucket(t.Output)
}

// UpsertActive reconciles an externally started worker session into the
// store under context.session_key. Returns created=false when a task
// with that key already exists.
func (c *Controller) UpsertActive(ctx context.Context, req *task.UpsertActiveRequest) (bool, *task.Task, error) {
	if err := req.Validate(); err != nil {
		return false, nil, err
	}

	c.upsertMu.Lock()
	defer c.upsertMu.Unlock()

	existing, err := c.tasks.FindBySessionKey(ctx, req.SessionKey)
	switch {
	case err == nil:
		t, err := c.reconcileActive(ctx, existing.ID, req.WorkerID)
		return false, t, err
	case !errors.Is(err, store.ErrNotFound):
		return false, nil, err
	}

	tctx := req.Context.Clone()
	if tctx == nil {
		tctx = task.Context{}
	}
	tctx[task.KeySessionKey] = req.SessionKey
	tctx[task.KeyWorkerID] = req.WorkerID

	decision := c.router.Decide(ctx, req.Kind, req.Direction, tctx)
	tctx[task.KeyRouteDecision] = decision.AsMap()
	tctx[task.KeyExecutorPolicy] = map[string]any{
		"reason":   decision.Reason,
		"executor": decision.Executor,
	}

	now := c.now().UTC()
	t := &task.Task{
		ID:        task.NewID(),
		Direction: req.Direction,
		Kind:      req.Kind,
		Status:    task.StatusRunning,
		Model:     decision.Model,
		Command:   route.Render(decision.CommandTemplate, req.Direction, decision.Model),
		Tier:      decision.Tier,
		Context:   tctx,
		ClaimedBy: req.WorkerID,
		ClaimedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
	}
	if err := c.tasks.Upsert(ctx, t); err != nil {
		return false, nil, fmt.Errorf("persist task: %w", err)
	}

	statusTransitions.WithLabelValues(string(task.StatusRunning)).Inc()
	c.events.PublishTaskStatus(t, task.StatusRunning)
	c.logger.Info("Active session adopted",
		"task_id", t.ID,
		"session_key", req.SessionKey,
		"worker_id", req.WorkerID)
	return true, t.Clone(), nil
}

// reconcileActive refreshes identity fields on an already-adopted
// session task. Status and output are untouched.
func (c *Controller) reconcileActive(ctx context.Context, id, workerID string) (*task.Task, error) {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := c.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	t := cur.Clone()
	if t.Context == nil {
		t.Context = task.Context{}
	}
	t.Context[task.KeyWorkerID] = workerID
	t.ClaimedBy = workerID
	t.UpdatedAt = c.now().UTC()

	if err := c.tasks.Upsert(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	return t.Clone(), nil
}

// Heartbeat upserts the runner registration and, when the runner is
// idle with no active task, sweeps its claimed tasks for orphans.
func (c *Controller) Heartbeat(ctx context.Context, req *runner.HeartbeatRequest) (*runner.Runner, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	r := &runner.Runner{
		ID:             req.RunnerID,
		Status:         req.Status,
		Host:           req.Host,
		PID:            req.PID,
		Version:        req.Version,
		ActiveTaskID:   req.ActiveTaskID,
		ActiveRunID:    req.ActiveRunID,
		LastError:      req.LastError,
		Capabilities:   req.Capabilities,
		Metadata:       req.Metadata,
		LeaseExpiresAt: now.Add(time.Duration(req.LeaseSeconds) * time.Second),
		LastSeenAt:     now,
		FirstSeenAt:    now,
	}
	if prev, err := c.runners.Get(ctx, req.RunnerID); err == nil {
		r.FirstSeenAt = prev.FirstSeenAt
	}

	if err := c.runners.Upsert(ctx, r); err != nil {
		return nil, fmt.Errorf("persist runner: %w", err)
	}

	if req.Status == runner.StatusIdle && req.ActiveTaskID == "" {
		if n, err := c.RecoverOrphans(ctx, req.RunnerID); err != nil {
			c.logger.Warn("Orphan recovery failed", "runner_id", req.RunnerID, "error", err)
		} else if n > 0 {
			c.logger.Info("Orphan recovery reclaimed tasks", "runner_id", req.RunnerID, "count", n)
		}
	}

	return r.Clone(), nil
}

// GetRunner returns one runner by id.
func (c *Controller) GetRunner(ctx context.Context, id string) (*runner.Runner, error) {
	return c.runners.Get(ctx, id)
}

// ListRunners returns registered runners, optionally including those
// whose lease has lapsed.
func (c *Controller) ListRunners(ctx context.Context, includeStale bool, limit int) ([]*runner.Runner, error) {
	return c.runners.List(ctx, includeStale, limit, c.now().UTC())
}

// Route resolves a route decision without creating a task. Backs the
// dry-run endpoint.
func (c *Controller) Route(ctx context.Context, kind task.Kind, direction string, tctx task.Context) route.Decision {
	return c.router.Decide(ctx, kind, direction, tctx)
}

// recentFailureWindow is how many recent same-kind tasks the failure
// escalation rule inspects.
const recentFailureWindow = 25

// directionPrefixChars bounds the prefix compared for direction
// similarity.
const directionPrefixChars = 40

// RecentFailures implements route.History: it counts failed tasks of
// the same kind whose direction shares a prefix with the candidate.
func (c *Controller) RecentFailures(ctx context.Context, kind task.Kind, direction string) int {
	failed := task.StatusFailed
	items, _, err := c.tasks.List(ctx, store.ListFilter{
		Status: &failed,
		Kind:   &kind,
		Limit:  recentFailureWindow,
	})
	if err != nil {
		c.logger.Warn("Failure history lookup failed", "task_type", kind, "error", err)
		return 0
	}

	prefix := directionPrefix(direction)
	count := 0
	for _, t := range items {
		if directionPrefix(t.Direction) == prefix {
			count++
		}
	}
	return count
}

func directionPrefix(direction string) string {
	s := strings.ToLower(strings.TrimSpace(direction))
	if len(s) > directionPrefixChars {
		s = s[:directionPrefixChars]
	}
	return s
}
