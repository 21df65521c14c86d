package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Provider error taxonomy. The adapter folds these into a discriminated
// Result; nothing here reaches the lifecycle controller as a Go error.

// UnconfiguredError means the provider cannot be called at all, such as
// an absent or rejected API key.
type UnconfiguredError struct {
	err error
}

func (e *UnconfiguredError) Error() string { return e.err.Error() }
func (e *UnconfiguredError) Unwrap() error { return e.err }

// NewUnconfiguredError wraps err as a configuration failure.
func NewUnconfiguredError(err error) error { return &UnconfiguredError{err: err} }

// IsUnconfigured reports whether err is an UnconfiguredError.
func IsUnconfigured(err error) bool {
	var target *UnconfiguredError
	return errors.As(err, &target)
}

// KeyMissingError means the provider's API key is absent entirely, as
// opposed to rejected upstream. Only this case triggers the codex
// subprocess fallback for Codex-family models; an auth rejection must
// surface as a failure. Wraps an UnconfiguredError so IsUnconfigured
// still reports true.
type KeyMissingError struct {
	err error
}

func (e *KeyMissingError) Error() string { return e.err.Error() }
func (e *KeyMissingError) Unwrap() error { return e.err }

// NewKeyMissingError wraps err as an absent-credential failure.
func NewKeyMissingError(err error) error {
	return &KeyMissingError{err: NewUnconfiguredError(err)}
}

// IsKeyMissing reports whether err is a KeyMissingError.
func IsKeyMissing(err error) bool {
	var target *KeyMissingError
	return errors.As(err, &target)
}

// TimeoutError means the provider did not answer within the deadline.
type TimeoutError struct {
	err error
}

func (e *TimeoutError) Error() string { return e.err.Error() }
func (e *TimeoutError) Unwrap() error { return e.err }

// NewTimeoutError wraps err as a timeout.
func NewTimeoutError(err error) error { return &TimeoutError{err: err} }

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// RateLimitedError means the provider rejected the call for quota.
type RateLimitedError struct {
	err error
}

func (e *RateLimitedError) Error() string { return e.err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.err }

// NewRateLimitedError wraps err as a rate limit rejection.
func NewRateLimitedError(err error) error { return &RateLimitedError{err: err} }

// MalformedResponseError means the provider answered with something the
// parser could not use.
type MalformedResponseError struct {
	err error
}

func (e *MalformedResponseError) Error() string { return e.err.Error() }
func (e *MalformedResponseError) Unwrap() error { return e.err }

// NewMalformedResponseError wraps err as a parse failure.
func NewMalformedResponseError(err error) error { return &MalformedResponseError{err: err} }

// CostOverrunError means execution exceeded the caller's cost budget.
type CostOverrunError struct {
	ActualUSD float64
	MaxUSD    float64
}

func (e *CostOverrunError) Error() string {
	return fmt.Sprintf("cost overrun: actual $%.4f exceeds budget $%.4f", e.ActualUSD, e.MaxUSD)
}

// IsCostOverrun reports whether err is a CostOverrunError.
func IsCostOverrun(err error) bool {
	var target *CostOverrunError
	return errors.As(err, &target)
}

// openRouterKeyMissing matches the error text the openrouter provider
// produces when no API key is configured; the controller keys the codex
// fallback off this wording.
const openRouterKeyMissing = "OPENROUTER_API_KEY is not configured"

// IndicatesKeyMissing reports whether the error text says the
// OpenRouter API key is absent.
func IndicatesKeyMissing(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), openRouterKeyMissing)
}
