// Package store provides persistence for tasks and runners behind
// common interfaces with three interchangeable backends: an in-process
// map, a JSON file, and Postgres.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/c360studio/agentd/runner"
	"github.com/c360studio/agentd/task"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")
	// ErrUnavailable wraps I/O failures talking to the backend.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrSchema wraps backend schema mismatches.
	ErrSchema = errors.New("storage schema error")
)

// List pagination bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListFilter selects and paginates tasks. Items are always sorted by
// created_at descending.
type ListFilter struct {
	Status *task.Status
	Kind   *task.Kind
	// Statuses, when non-empty, matches any of the given statuses and
	// takes precedence over Status. Used by the attention listing.
	Statuses []task.Status
	Limit    int
	Offset   int
}

// normalize clamps pagination into the allowed ranges.
func (f *ListFilter) normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// matches reports whether t passes the filter's selection criteria.
func (f *ListFilter) matches(t *task.Task) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	} else if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Kind != nil && t.Kind != *f.Kind {
		return false
	}
	return true
}

// TaskStore is the durable mapping TaskID -> Task.
type TaskStore interface {
	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, id string) (*task.Task, error)

	// List returns matching tasks sorted by created_at descending plus
	// the total match count before pagination.
	List(ctx context.Context, f ListFilter) ([]*task.Task, int, error)

	// CountByStatus returns per-status task counts.
	CountByStatus(ctx context.Context) (map[task.Status]int, error)

	// Upsert atomically inserts or replaces the task keyed by its ID.
	Upsert(ctx context.Context, t *task.Task) error

	// FindBySessionKey returns the task whose context.session_key
	// matches, or ErrNotFound.
	FindBySessionKey(ctx context.Context, key string) (*task.Task, error)

	// DeleteAll removes every task. Test and maintenance use only.
	DeleteAll(ctx context.Context) error
}

// RunnerStore is the durable mapping RunnerID -> Runner.
type RunnerStore interface {
	// Get returns the runner or ErrNotFound.
	Get(ctx context.Context, id string) (*runner.Runner, error)

	// Upsert inserts or replaces the runner keyed by its ID.
	Upsert(ctx context.Context, r *runner.Runner) error

	// List returns runners sorted by last_seen_at descending. When
	// includeStale is false only runners whose lease is current at
	// now are returned.
	List(ctx context.Context, includeStale bool, limit int, now time.Time) ([]*runner.Runner, error)
}

// sortTasks orders by created_at descending, breaking ties by id so
// pagination is stable.
func sortTasks(items []*task.Task) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

// sortRunners orders by last_seen_at descending.
func sortRunners(items []*runner.Runner) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].LastSeenAt.After(items[j].LastSeenAt)
	})
}

// paginate applies offset/limit to an already-sorted slice.
func paginate(items []*task.Task, offset, limit int) []*task.Task {
	if offset >= len(items) {
		return []*task.Task{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
