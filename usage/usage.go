// Package usage records execution telemetry as an append-only event
// log: one event per provider attempt and per task completion.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event sources and endpoint prefixes.
const (
	SourceWorker   = "worker"
	EndpointPrefix = "tool:"
)

// DefaultCostPerSecond prices subprocess runtime when no token-level
// pricing is available (RUNTIME_COST_PER_SECOND).
const DefaultCostPerSecond = 0.002

// Event is one telemetry record. StatusCode follows HTTP conventions:
// 200 for success, 500 for provider errors.
type Event struct {
	EventID    string         `json:"event_id"`
	RecordedAt time.Time      `json:"recorded_at"`
	Source     string         `json:"source"`
	Endpoint   string         `json:"endpoint"`
	Method     string         `json:"method"`
	StatusCode int            `json:"status_code"`
	RuntimeMs  int64          `json:"runtime_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewEvent mints an event with id and timestamp filled in.
func NewEvent(endpoint string, statusCode int, runtimeMs int64, metadata map[string]any) *Event {
	return &Event{
		EventID:    uuid.New().String(),
		RecordedAt: time.Now().UTC(),
		Source:     SourceWorker,
		Endpoint:   endpoint,
		Method:     "RUN",
		StatusCode: statusCode,
		RuntimeMs:  runtimeMs,
		Metadata:   metadata,
	}
}

// RuntimeCostUSD prices wall-clock runtime at costPerSecond.
func RuntimeCostUSD(runtimeMs int64, costPerSecond float64) float64 {
	if costPerSecond <= 0 {
		costPerSecond = DefaultCostPerSecond
	}
	return float64(runtimeMs) / 1000 * costPerSecond
}

// Recorder appends events. Implementations must never fail the caller's
// execution path: recording errors are the recorder's to log.
type Recorder interface {
	Record(ctx context.Context, ev *Event) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]*Event, error)
}
