package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// MemoryRecorder keeps events in process memory. Used by tests and
// ephemeral deployments.
type MemoryRecorder struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Recent implements Recorder.
func (m *MemoryRecorder) Recent(_ context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// TeeRecorder forwards every recorded event to a sink after the inner
// recorder has stored it. Used to mirror telemetry onto the event bus.
type TeeRecorder struct {
	inner Recorder
	sink  func(*Event)
}

// NewTeeRecorder wraps inner so each recorded event also reaches sink.
func NewTeeRecorder(inner Recorder, sink func(*Event)) *TeeRecorder {
	return &TeeRecorder{inner: inner, sink: sink}
}

// Record implements Recorder.
func (t *TeeRecorder) Record(ctx context.Context, ev *Event) error {
	err := t.inner.Record(ctx, ev)
	if t.sink != nil {
		t.sink(ev)
	}
	return err
}

// Recent implements Recorder by delegating to the inner recorder.
func (t *TeeRecorder) Recent(ctx context.Context, limit int) ([]*Event, error) {
	return t.inner.Recent(ctx, limit)
}

// FileRecorder appends events to a JSONL file, one event per line.
type FileRecorder struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileRecorder creates a JSONL recorder at path.
func NewFileRecorder(path string, logger *slog.Logger) (*FileRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}
	return &FileRecorder{path: path, logger: logger}, nil
}

// Record implements Recorder. Append failures are logged, not returned:
// telemetry must never fail an execution.
func (f *FileRecorder) Record(_ context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		f.logger.Warn("Failed to encode usage event", "event_id", ev.EventID, "error", err)
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		f.logger.Warn("Failed to open usage log", "path", f.path, "error", err)
		return nil
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		f.logger.Warn("Failed to append usage event", "path", f.path, "error", err)
	}
	return nil
}

// Recent implements Recorder by scanning the tail of the JSONL file.
func (f *FileRecorder) Recent(_ context.Context, limit int) ([]*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open usage log: %w", err)
	}
	defer file.Close()

	var all []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// Skip torn or corrupt lines rather than failing the read.
			continue
		}
		all = append(all, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan usage log: %w", err)
	}

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*Event, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
