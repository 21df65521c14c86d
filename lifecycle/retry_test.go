package lifecycle

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFailureBucket(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"", BucketEmptyOutput},
		{"   \n\t", BucketEmptyOutput},
		{"request timed out after 300s", BucketTimeout},
		{"upstream timeout talking to the provider", BucketTimeout},
		{PaidProviderBlockedOutput, BucketPaidProviderBlocked},
		{"context error: paid_provider_blocked", BucketPaidProviderBlocked},
		{"stack trace: nil pointer dereference", BucketOther},
	}

	for _, tt := range tests {
		if got := failureBucket(tt.output); got != tt.want {
			t.Errorf("failureBucket(%q) = %q, want %q", tt.output, got, tt.want)
		}
	}
}

func TestRetryHint(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{PaidProviderBlockedOutput, "AGENT_ALLOW_PAID_PROVIDERS"},
		{"window budget exhausted at 42s", "Observation window"},
		{"cost overrun: actual $0.0500 exceeds budget $0.0100", "max_cost_usd"},
		{"empty direction: nothing to execute", "Direction was empty"},
		{"request timed out", "smaller steps"},
		{"claim_failed: task is gone", "storage is reachable"},
		{"something else entirely", "last_failure_output"},
	}

	for _, tt := range tests {
		got := retryHint(tt.output)
		if !strings.Contains(got, tt.want) {
			t.Errorf("retryHint(%q) = %q, want substring %q", tt.output, got, tt.want)
		}
	}
}

func TestBoundFailureOutput(t *testing.T) {
	short := "fits"
	if got := boundFailureOutput(short); got != short {
		t.Errorf("boundFailureOutput(%q) = %q", short, got)
	}

	long := strings.Repeat("x", maxFailureOutputChars+500)
	got := boundFailureOutput(long)
	if len(got) != maxFailureOutputChars {
		t.Errorf("boundFailureOutput length = %d, want %d", len(got), maxFailureOutputChars)
	}

	// The bound backs off a byte rather than splitting a two-byte rune.
	multi := "x" + strings.Repeat("é", maxFailureOutputChars)
	got = boundFailureOutput(multi)
	if !utf8.ValidString(got) {
		t.Errorf("boundFailureOutput produced invalid UTF-8")
	}
	if len(got) != maxFailureOutputChars-1 {
		t.Errorf("boundFailureOutput length = %d, want %d", len(got), maxFailureOutputChars-1)
	}
}
