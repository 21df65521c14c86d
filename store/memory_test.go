package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentd/runner"
	"github.com/c360studio/agentd/task"
)

func seedTask(t *testing.T, s TaskStore, id string, status task.Status, kind task.Kind, created time.Time) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:        id,
		Direction: "direction for " + id,
		Kind:      kind,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, s.Upsert(context.Background(), tk))
	return tk
}

func TestMemoryGetUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "task_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	tk := seedTask(t, m, "task_0000000000000001", task.StatusPending, task.KindImpl, time.Now().UTC())

	got, err := m.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, task.StatusPending, got.Status)

	// Get hands out a copy: mutating it must not leak into the store.
	got.Status = task.StatusFailed
	again, err := m.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, again.Status)
}

func TestMemoryListFilterAndPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		status := task.StatusPending
		if i%2 == 1 {
			status = task.StatusFailed
		}
		seedTask(t, m, fmt.Sprintf("task_%016d", i), status, task.KindImpl, base.Add(time.Duration(i)*time.Minute))
	}

	// Newest first.
	items, total, err := m.List(ctx, ListFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 5)
	assert.True(t, items[0].CreatedAt.After(items[4].CreatedAt))

	// Status filter.
	failed := task.StatusFailed
	items, total, err = m.List(ctx, ListFilter{Status: &failed, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, it := range items {
		assert.Equal(t, task.StatusFailed, it.Status)
	}

	// Statuses takes precedence over Status.
	pending := task.StatusPending
	items, total, err = m.List(ctx, ListFilter{
		Status:   &pending,
		Statuses: []task.Status{task.StatusFailed},
		Limit:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	// Pagination: total is pre-pagination.
	items, total, err = m.List(ctx, ListFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, items, 1)

	// Offset past the end yields an empty page.
	items, _, err = m.List(ctx, ListFilter{Limit: 2, Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemoryCountByStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	seedTask(t, m, "task_000000000000000a", task.StatusPending, task.KindImpl, now)
	seedTask(t, m, "task_000000000000000b", task.StatusPending, task.KindSpec, now)
	seedTask(t, m, "task_000000000000000c", task.StatusFailed, task.KindImpl, now)

	counts, err := m.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[task.StatusPending])
	assert.Equal(t, 1, counts[task.StatusFailed])
	assert.Equal(t, 0, counts[task.StatusCompleted])
}

func TestMemoryFindBySessionKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	tk := &task.Task{
		ID:        "task_00000000000000aa",
		Direction: "session work",
		Kind:      task.KindImpl,
		Status:    task.StatusRunning,
		Context:   task.Context{task.KeySessionKey: "sess-1"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.Upsert(ctx, tk))

	got, err := m.FindBySessionKey(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)

	_, err = m.FindBySessionKey(ctx, "sess-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteAll(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seedTask(t, m, "task_00000000000000f0", task.StatusPending, task.KindImpl, time.Now().UTC())
	require.NoError(t, m.DeleteAll(ctx))

	_, total, err := m.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryRunnerStore(t *testing.T) {
	m := NewMemory()
	rs := m.Runners()
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	_, err := rs.Get(ctx, "runner-1")
	assert.ErrorIs(t, err, ErrNotFound)

	online := &runner.Runner{
		ID:             "runner-1",
		Status:         runner.StatusIdle,
		LeaseExpiresAt: now.Add(60 * time.Second),
		LastSeenAt:     now,
	}
	stale := &runner.Runner{
		ID:             "runner-2",
		Status:         runner.StatusRunning,
		LeaseExpiresAt: now.Add(-1 * time.Second),
		LastSeenAt:     now.Add(-time.Hour),
	}
	require.NoError(t, rs.Upsert(ctx, online))
	require.NoError(t, rs.Upsert(ctx, stale))

	current, err := rs.List(ctx, false, 10, now)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "runner-1", current[0].ID)

	all, err := rs.List(ctx, true, 10, now)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// Sorted by last_seen_at descending.
	assert.Equal(t, "runner-1", all[0].ID)
}
