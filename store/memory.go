package store

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/agentd/runner"
	"github.com/c360studio/agentd/task"
)

// Memory is an in-process backend for tests and ephemeral deployments.
// It implements both TaskStore and RunnerStore.
type Memory struct {
	mu      sync.RWMutex
	tasks   map[string]*task.Task
	runners map[string]*runner.Runner
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]*task.Task),
		runners: make(map[string]*runner.Runner),
	}
}

// Get implements TaskStore.
func (m *Memory) Get(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// List implements TaskStore.
func (m *Memory) List(_ context.Context, f ListFilter) ([]*task.Task, int, error) {
	f.normalize()

	m.mu.RLock()
	matched := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if f.matches(t) {
			matched = append(matched, t.Clone())
		}
	}
	m.mu.RUnlock()

	sortTasks(matched)
	total := len(matched)
	return paginate(matched, f.Offset, f.Limit), total, nil
}

// CountByStatus implements TaskStore.
func (m *Memory) CountByStatus(_ context.Context) (map[task.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[task.Status]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// Upsert implements TaskStore.
func (m *Memory) Upsert(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[t.ID] = t.Clone()
	return nil
}

// FindBySessionKey implements TaskStore.
func (m *Memory) FindBySessionKey(_ context.Context, key string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tasks {
		if t.Context.String(task.KeySessionKey) == key {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// DeleteAll implements TaskStore.
func (m *Memory) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks = make(map[string]*task.Task)
	return nil
}

// GetRunner implements RunnerStore.Get.
func (m *Memory) GetRunner(_ context.Context, id string) (*runner.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// UpsertRunner implements RunnerStore.Upsert.
func (m *Memory) UpsertRunner(_ context.Context, r *runner.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runners[r.ID] = r.Clone()
	return nil
}

// ListRunners implements RunnerStore.List.
func (m *Memory) ListRunners(_ context.Context, includeStale bool, limit int, now time.Time) ([]*runner.Runner, error) {
	m.mu.RLock()
	items := make([]*runner.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		if !includeStale && !r.Online(now) {
			continue
		}
		items = append(items, r.Clone())
	}
	m.mu.RUnlock()

	sortRunners(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Runners returns a RunnerStore view of the memory store.
func (m *Memory) Runners() RunnerStore { return memoryRunners{m} }

// memoryRunners adapts Memory's runner methods to the RunnerStore
// interface without colliding with the TaskStore method set.
type memoryRunners struct{ m *Memory }

func (a memoryRunners) Get(ctx context.Context, id string) (*runner.Runner, error) {
	return a.m.GetRunner(ctx, id)
}

func (a memoryRunners) Upsert(ctx context.Context, r *runner.Runner) error {
	return a.m.UpsertRunner(ctx, r)
}

func (a memoryRunners) List(ctx context.Context, includeStale bool, limit int, now time.Time) ([]*runner.Runner, error) {
	return a.m.ListRunners(ctx, includeStale, limit, now)
}
