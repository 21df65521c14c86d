// Package task defines the task aggregate for the agent pipeline:
// lifecycle statuses, kinds, the dynamic context map, and the request
// types accepted by the HTTP surface.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"time"
	"unicode/utf8"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusNeedsDecision Status = "needs_decision"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusNeedsDecision:
		return true
	}
	return false
}

// Terminal reports whether s ends the normal execution flow.
// needs_decision is not terminal: a recorded decision resumes the task.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind is the categorical label that drives routing.
type Kind string

const (
	KindSpec   Kind = "spec"
	KindTest   Kind = "test"
	KindImpl   Kind = "impl"
	KindReview Kind = "review"
	KindHeal   Kind = "heal"
)

// Valid reports whether k is a known task kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSpec, KindTest, KindImpl, KindReview, KindHeal:
		return true
	}
	return false
}

// TruncationSuffix is appended to output that exceeded the configured
// maximum. Stored verbatim so callers can detect truncation.
const TruncationSuffix = "...[truncated]"

// DefaultMaxOutputChars bounds stored task output (~100 KiB).
const DefaultMaxOutputChars = 100_000

// Task is the root aggregate, keyed by ID.
type Task struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Kind      Kind   `json:"task_type"`
	Status    Status `json:"status"`

	// Model, Command and Tier snapshot the route decision at creation
	// time. A retry may rewrite them; nothing else does.
	Model   string `json:"model"`
	Command string `json:"command"`
	Tier    string `json:"tier"`

	Output  string  `json:"output,omitempty"`
	Context Context `json:"context,omitempty"`

	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Clone returns a deep copy. The context map is copied one level deep,
// which is sufficient because writers replace nested values wholesale.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Context = t.Context.Clone()
	if t.ClaimedAt != nil {
		ts := *t.ClaimedAt
		cp.ClaimedAt = &ts
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	return &cp
}

// TruncateOutput bounds s to max characters, appending TruncationSuffix
// when anything was cut. max <= 0 selects DefaultMaxOutputChars.
func TruncateOutput(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxOutputChars
	}
	if len(s) <= max {
		return s
	}
	return Clip(s, max) + TruncationSuffix
}

// Clip bounds s to at most max bytes, backing up to the nearest rune
// boundary so a multi-byte UTF-8 sequence is never split.
func Clip(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// NewID mints a task identifier: "task_" followed by 16 lowercase hex
// characters from a CSPRNG.
func NewID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does,
		// refusing to mint is better than minting colliding ids.
		panic("task: read random: " + err.Error())
	}
	return "task_" + hex.EncodeToString(b[:])
}
