package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/agentd/runner"
	"github.com/c360studio/agentd/task"
)

// DefaultReloadTTL governs how long list reads may be served from the
// in-memory mirror before re-reading the file.
const DefaultReloadTTL = 5 * time.Second

// fileState is the on-disk layout.
type fileState struct {
	Tasks   []*task.Task     `json:"tasks"`
	Runners []*runner.Runner `json:"runners,omitempty"`
}

// File persists tasks and runners to a single JSON document. All reads
// are served from an in-memory mirror; list reads re-read the file when
// the reload TTL has elapsed or an external write was observed via
// fsnotify. Get never triggers a full-table reload.
type File struct {
	path      string
	reloadTTL time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	mem      *Memory
	dirty    bool
	lastLoad time.Time
	savedAt  time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// FileOption configures a File store.
type FileOption func(*File)

// WithReloadTTL overrides the mirror reload interval.
func WithReloadTTL(ttl time.Duration) FileOption {
	return func(f *File) { f.reloadTTL = ttl }
}

// WithFileLogger sets the logger.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(f *File) { f.logger = logger }
}

// OpenFile opens (creating if needed) a JSON-file-backed store at path.
// Existing rows become the initial state.
func OpenFile(path string, opts ...FileOption) (*File, error) {
	f := &File{
		path:      path,
		reloadTTL: DefaultReloadTTL,
		logger:    slog.Default(),
		mem:       NewMemory(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store directory: %v", ErrUnavailable, err)
	}

	if err := f.load(); err != nil {
		return nil, err
	}

	// Watch the parent directory: watching the file itself breaks on
	// the rename that atomic saves perform.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Warn("File watch unavailable, relying on reload TTL only", "error", err)
	} else if err := watcher.Add(filepath.Dir(path)); err != nil {
		f.logger.Warn("File watch unavailable, relying on reload TTL only", "path", path, "error", err)
		watcher.Close()
	} else {
		f.watcher = watcher
		go f.watch()
	}

	return f, nil
}

// Close stops the file watcher.
func (f *File) Close() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

// watch marks the mirror dirty when the file changes underneath us.
func (f *File) watch() {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			f.mu.Lock()
			// Our own atomic save fires create+rename events; ignore
			// anything within a beat of the last save.
			if time.Since(f.savedAt) > 500*time.Millisecond {
				f.dirty = true
				f.logger.Debug("Store file changed externally, mirror invalidated", "path", f.path)
			}
			f.mu.Unlock()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("File watcher error", "error", err)
		}
	}
}

// load replaces the mirror from disk. Caller must not hold f.mu.
func (f *File) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *File) loadLocked() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.mem = NewMemory()
		f.dirty = false
		f.lastLoad = time.Now()
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, f.path, err)
	}

	var state fileState
	if len(data) > 0 {
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrSchema, f.path, err)
		}
	}

	mem := NewMemory()
	ctx := context.Background()
	for _, t := range state.Tasks {
		_ = mem.Upsert(ctx, t)
	}
	for _, r := range state.Runners {
		_ = mem.UpsertRunner(ctx, r)
	}
	f.mem = mem
	f.dirty = false
	f.lastLoad = time.Now()
	return nil
}

// save writes the mirror to disk atomically. Caller holds f.mu.
func (f *File) saveLocked() error {
	// Dump without pagination: read the maps directly.
	f.mem.mu.RLock()
	state := fileState{
		Tasks:   make([]*task.Task, 0, len(f.mem.tasks)),
		Runners: make([]*runner.Runner, 0, len(f.mem.runners)),
	}
	for _, t := range f.mem.tasks {
		state.Tasks = append(state.Tasks, t)
	}
	for _, r := range f.mem.runners {
		state.Runners = append(state.Runners, r)
	}
	f.mem.mu.RUnlock()

	sortTasks(state.Tasks)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", ErrSchema, err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", ErrUnavailable, tmp, err)
	}
	f.savedAt = time.Now()
	return nil
}

// refreshForList reloads the mirror when dirty or the TTL has expired.
func (f *File) refreshForList() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirty || time.Since(f.lastLoad) >= f.reloadTTL {
		return f.loadLocked()
	}
	return nil
}

// Get implements TaskStore. Served from the mirror without reloading.
func (f *File) Get(ctx context.Context, id string) (*task.Task, error) {
	f.mu.Lock()
	mem := f.mem
	f.mu.Unlock()
	return mem.Get(ctx, id)
}

// List implements TaskStore.
func (f *File) List(ctx context.Context, filter ListFilter) ([]*task.Task, int, error) {
	if err := f.refreshForList(); err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	mem := f.mem
	f.mu.Unlock()
	return mem.List(ctx, filter)
}

// CountByStatus implements TaskStore.
func (f *File) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	if err := f.refreshForList(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	mem := f.mem
	f.mu.Unlock()
	return mem.CountByStatus(ctx)
}

// Upsert implements TaskStore.
func (f *File) Upsert(ctx context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Upsert(ctx, t); err != nil {
		return err
	}
	return f.saveLocked()
}

// FindBySessionKey implements TaskStore.
func (f *File) FindBySessionKey(ctx context.Context, key string) (*task.Task, error) {
	f.mu.Lock()
	mem := f.mem
	f.mu.Unlock()
	return mem.FindBySessionKey(ctx, key)
}

// DeleteAll implements TaskStore.
func (f *File) DeleteAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.DeleteAll(ctx); err != nil {
		return err
	}
	return f.saveLocked()
}

// Runners returns a RunnerStore view backed by the same file.
func (f *File) Runners() RunnerStore { return fileRunners{f} }

type fileRunners struct{ f *File }

func (a fileRunners) Get(ctx context.Context, id string) (*runner.Runner, error) {
	a.f.mu.Lock()
	mem := a.f.mem
	a.f.mu.Unlock()
	return mem.GetRunner(ctx, id)
}

func (a fileRunners) Upsert(ctx context.Context, r *runner.Runner) error {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.mem.UpsertRunner(ctx, r); err != nil {
		return err
	}
	return a.f.saveLocked()
}

func (a fileRunners) List(ctx context.Context, includeStale bool, limit int, now time.Time) ([]*runner.Runner, error) {
	if err := a.f.refreshForList(); err != nil {
		return nil, err
	}
	a.f.mu.Lock()
	mem := a.f.mem
	a.f.mu.Unlock()
	return mem.ListRunners(ctx, includeStale, limit, now)
}
