// Package runner defines the runner registry entities: pull-based
// workers that heartbeat, lease work, and report progress.
package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/agentd/task"
)

// Status reported by a runner heartbeat.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
)

// Valid reports whether s is a known runner status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusOffline, StatusDegraded:
		return true
	}
	return false
}

// Lease bounds: heartbeat lease_seconds is clamped into this range.
const (
	MinLeaseSeconds = 10
	MaxLeaseSeconds = 3600
)

// Runner is one registered worker, keyed by ID.
type Runner struct {
	ID             string         `json:"id"`
	Status         Status         `json:"status"`
	Host           string         `json:"host,omitempty"`
	PID            int            `json:"pid,omitempty"`
	Version        string         `json:"version,omitempty"`
	ActiveTaskID   string         `json:"active_task_id,omitempty"`
	ActiveRunID    string         `json:"active_run_id,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	FirstSeenAt    time.Time      `json:"first_seen_at"`
}

// Online reports whether the lease is still current. Staleness is
// computed on read; nothing writes an expiry back.
func (r *Runner) Online(now time.Time) bool {
	return now.Before(r.LeaseExpiresAt)
}

// Clone returns a copy safe to hand to readers.
func (r *Runner) Clone() *Runner {
	cp := *r
	if r.Capabilities != nil {
		cp.Capabilities = append([]string(nil), r.Capabilities...)
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// HeartbeatRequest is the body of POST /agent/runners/heartbeat.
type HeartbeatRequest struct {
	RunnerID     string         `json:"runner_id"`
	Status       Status         `json:"status"`
	LeaseSeconds int            `json:"lease_seconds,omitempty"`
	Host         string         `json:"host,omitempty"`
	PID          int            `json:"pid,omitempty"`
	Version      string         `json:"version,omitempty"`
	ActiveTaskID string         `json:"active_task_id,omitempty"`
	ActiveRunID  string         `json:"active_run_id,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate normalizes the heartbeat: runner id and status are required,
// lease_seconds is clamped rather than rejected.
func (r *HeartbeatRequest) Validate() error {
	verr := &task.ValidationError{}

	r.RunnerID = strings.TrimSpace(r.RunnerID)
	if r.RunnerID == "" {
		verr.Fields = append(verr.Fields, task.FieldError{Field: "runner_id", Detail: "must not be empty"})
	}
	if !r.Status.Valid() {
		verr.Fields = append(verr.Fields, task.FieldError{
			Field:  "status",
			Detail: fmt.Sprintf("must be one of idle, running, offline, degraded; got %q", r.Status),
		})
	}

	if r.LeaseSeconds == 0 {
		r.LeaseSeconds = MinLeaseSeconds
	}
	if r.LeaseSeconds < MinLeaseSeconds {
		r.LeaseSeconds = MinLeaseSeconds
	}
	if r.LeaseSeconds > MaxLeaseSeconds {
		r.LeaseSeconds = MaxLeaseSeconds
	}

	if len(verr.Fields) == 0 {
		return nil
	}
	return verr
}
