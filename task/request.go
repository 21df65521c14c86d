package task

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validation bounds from the task contract.
const (
	MaxDirectionChars   = 5000
	MaxTargetStateChars = 600
	MinObservationSec   = 1
	MaxObservationSec   = 604800 // one week
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// ValidationError aggregates field errors for a 422 response.
type ValidationError struct {
	Fields []FieldError `json:"detail"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Detail))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// add appends a field error and returns the receiver for chaining.
func (e *ValidationError) add(field, detail string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Detail: detail})
}

// errOrNil returns nil when no field failed.
func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// StringList accepts either a JSON string or an array of strings.
// Entries are trimmed and empties dropped during normalization.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings")
	}
	*s = StringList(many)
	return nil
}

// Normalize trims entries and drops empties.
func (s StringList) Normalize() []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// CreateRequest is the body of POST /agent/tasks.
type CreateRequest struct {
	Direction            string     `json:"direction"`
	Kind                 Kind       `json:"task_type"`
	Context              Context    `json:"context,omitempty"`
	TargetState          string     `json:"target_state,omitempty"`
	SuccessEvidence      StringList `json:"success_evidence,omitempty"`
	AbortEvidence        StringList `json:"abort_evidence,omitempty"`
	ObservationWindowSec *int       `json:"observation_window_sec,omitempty"`
}

// Validate normalizes the request in place and returns a
// *ValidationError listing every bad field.
func (r *CreateRequest) Validate() error {
	verr := &ValidationError{}

	r.Direction = strings.TrimSpace(r.Direction)
	if r.Direction == "" {
		verr.add("direction", "must not be empty or whitespace")
	} else if len(r.Direction) > MaxDirectionChars {
		verr.add("direction", fmt.Sprintf("exceeds %d characters", MaxDirectionChars))
	}

	if !r.Kind.Valid() {
		verr.add("task_type", fmt.Sprintf("must be one of spec, test, impl, review, heal; got %q", r.Kind))
	}

	r.TargetState = strings.TrimSpace(r.TargetState)
	if len(r.TargetState) > MaxTargetStateChars {
		verr.add("target_state", fmt.Sprintf("exceeds %d characters", MaxTargetStateChars))
	}

	if r.ObservationWindowSec != nil {
		if n := *r.ObservationWindowSec; n < MinObservationSec || n > MaxObservationSec {
			verr.add("observation_window_sec", fmt.Sprintf("must be in [%d, %d]", MinObservationSec, MaxObservationSec))
		}
	}

	return verr.errOrNil()
}

// UpdateRequest is the body of PATCH /agent/tasks/{id}. Pointer fields
// distinguish "absent" from zero values; an all-nil patch is rejected
// by the handler with 400 before validation runs.
type UpdateRequest struct {
	Status               *Status    `json:"status,omitempty"`
	Output               *string    `json:"output,omitempty"`
	ProgressPct          *int       `json:"progress_pct,omitempty"`
	CurrentStep          *string    `json:"current_step,omitempty"`
	DecisionPrompt       *string    `json:"decision_prompt,omitempty"`
	Decision             *string    `json:"decision,omitempty"`
	Context              Context    `json:"context,omitempty"`
	WorkerID             *string    `json:"worker_id,omitempty"`
	TargetState          *string    `json:"target_state,omitempty"`
	SuccessEvidence      StringList `json:"success_evidence,omitempty"`
	AbortEvidence        StringList `json:"abort_evidence,omitempty"`
	ObservationWindowSec *int       `json:"observation_window_sec,omitempty"`
}

// Empty reports whether the patch carries no fields at all.
func (r *UpdateRequest) Empty() bool {
	return r.Status == nil && r.Output == nil && r.ProgressPct == nil &&
		r.CurrentStep == nil && r.DecisionPrompt == nil && r.Decision == nil &&
		r.Context == nil && r.WorkerID == nil && r.TargetState == nil &&
		r.SuccessEvidence == nil && r.AbortEvidence == nil &&
		r.ObservationWindowSec == nil
}

// Validate checks field ranges without touching any task state.
func (r *UpdateRequest) Validate() error {
	verr := &ValidationError{}

	if r.Status != nil && !r.Status.Valid() {
		verr.add("status", fmt.Sprintf("unknown status %q", *r.Status))
	}
	if r.ProgressPct != nil {
		if n := *r.ProgressPct; n < 0 || n > 100 {
			verr.add("progress_pct", "must be an integer in [0, 100]")
		}
	}
	if r.TargetState != nil && len(strings.TrimSpace(*r.TargetState)) > MaxTargetStateChars {
		verr.add("target_state", fmt.Sprintf("exceeds %d characters", MaxTargetStateChars))
	}
	if r.ObservationWindowSec != nil {
		if n := *r.ObservationWindowSec; n < MinObservationSec || n > MaxObservationSec {
			verr.add("observation_window_sec", fmt.Sprintf("must be in [%d, %d]", MinObservationSec, MaxObservationSec))
		}
	}

	return verr.errOrNil()
}

// UpsertActiveRequest is the body of POST /agent/tasks/upsert-active.
// A worker that started a session externally reconciles it into the
// store under context.session_key.
type UpsertActiveRequest struct {
	SessionKey string  `json:"session_key"`
	Direction  string  `json:"direction"`
	Kind       Kind    `json:"task_type"`
	WorkerID   string  `json:"worker_id"`
	Context    Context `json:"context,omitempty"`
}

// Validate normalizes and validates the upsert request.
func (r *UpsertActiveRequest) Validate() error {
	verr := &ValidationError{}

	r.SessionKey = strings.TrimSpace(r.SessionKey)
	if r.SessionKey == "" {
		verr.add("session_key", "must not be empty")
	}
	r.Direction = strings.TrimSpace(r.Direction)
	if r.Direction == "" {
		verr.add("direction", "must not be empty or whitespace")
	} else if len(r.Direction) > MaxDirectionChars {
		verr.add("direction", fmt.Sprintf("exceeds %d characters", MaxDirectionChars))
	}
	if !r.Kind.Valid() {
		verr.add("task_type", fmt.Sprintf("unknown task_type %q", r.Kind))
	}
	r.WorkerID = strings.TrimSpace(r.WorkerID)
	if r.WorkerID == "" {
		verr.add("worker_id", "must not be empty")
	}

	return verr.errOrNil()
}
