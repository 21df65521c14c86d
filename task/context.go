package task

import (
	"encoding/json"
	"math"
)

// Context is the dynamic string-keyed payload attached to every task.
// It carries retry bookkeeping, failure diagnostics, executor policy
// metadata, the route decision snapshot, and worker progress fields.
// Values survive a JSON round-trip, so numbers may come back as
// float64; the typed accessors below absorb that.
type Context map[string]any

// Well-known context keys used by the lifecycle controller.
const (
	KeyRetryCount        = "retry_count"
	KeyRetryMax          = "retry_max"
	KeyRetryHint         = "retry_hint"
	KeyRetryReflections  = "retry_reflections"
	KeyFailureHits       = "failure_hits"
	KeyLastFailureOutput = "last_failure_output"
	KeyLastFailureAt     = "last_failure_at"
	KeyDiagnosticsSource = "failure_diagnostics_source"
	KeyFailureBucket     = "failure_reason_bucket"
	KeyError             = "error"
	KeySessionKey        = "session_key"
	KeyDecisionPrompt    = "decision_prompt"
	KeyDecision          = "decision"
	KeyProgressPct       = "progress_pct"
	KeyCurrentStep       = "current_step"
	KeyWorkerID          = "worker_id"
	KeyExecutor          = "executor"
	KeyModelOverride     = "model_override"
	KeyQuestionScope     = "question_scope"
	KeyForcePaid         = "force_paid_providers"
	KeyRouteDecision     = "route_decision"
	KeyExecutorPolicy    = "executor_policy"
	KeyTaskCard          = "task_card"
	KeyCardValidation    = "task_card_validation"
	KeyTargetState       = "target_state"
	KeySuccessEvidence   = "success_evidence"
	KeyAbortEvidence     = "abort_evidence"
	KeyObservationWindow = "observation_window_sec"
)

// Clone returns a shallow copy of the map (nested values are shared).
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	cp := make(Context, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// Merge overlays other onto a copy of c and returns the result.
// nil keys in other are stored as-is; callers delete keys explicitly.
func (c Context) Merge(other Context) Context {
	merged := c.Clone()
	if merged == nil {
		merged = make(Context, len(other))
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// String returns the value for key as a string, or "" when absent or
// not a string.
func (c Context) String(key string) string {
	if c == nil {
		return ""
	}
	s, _ := c[key].(string)
	return s
}

// Int returns the value for key coerced to int. JSON decoding yields
// float64, manual writes yield int; both are accepted. Returns 0, false
// when the key is absent or not numeric (or not integral).
func (c Context) Int(key string) (int, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// IntOr returns the value for key, or def when absent or non-integral.
func (c Context) IntOr(key string, def int) int {
	if n, ok := c.Int(key); ok {
		return n
	}
	return def
}

// Bool returns the value for key as a bool. String forms "1"/"true"
// are accepted because env-sourced context arrives stringly typed.
func (c Context) Bool(key string) bool {
	if c == nil {
		return false
	}
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		return v == "1" || v == "true"
	}
	return false
}

// RetryCount returns the cumulative retry counter.
func (c Context) RetryCount() int { return c.IntOr(KeyRetryCount, 0) }

// RetryMax resolves the per-task retry bound, clamped to [0, 5].
// def is the env/default fallback when the task does not carry one.
func (c Context) RetryMax(def int) int {
	n := c.IntOr(KeyRetryMax, def)
	if n < 0 {
		n = 0
	}
	if n > 5 {
		n = 5
	}
	return n
}
