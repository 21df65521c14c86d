package task

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idRe = regexp.MustCompile(`^task_[0-9a-f]{16}$`)

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Regexp(t, idRe, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusNeedsDecision} {
		assert.True(t, s.Valid(), "%s should be valid", s)
	}
	assert.False(t, Status("done").Valid())
	assert.False(t, Status("").Valid())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusNeedsDecision.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", TruncateOutput("short", 100))

	long := strings.Repeat("x", 150)
	got := TruncateOutput(long, 100)
	assert.Len(t, got, 100+len(TruncationSuffix))
	assert.True(t, strings.HasSuffix(got, TruncationSuffix))

	// max <= 0 selects the default bound.
	huge := strings.Repeat("y", DefaultMaxOutputChars+1)
	got = TruncateOutput(huge, 0)
	assert.True(t, strings.HasSuffix(got, TruncationSuffix))
	assert.Len(t, got, DefaultMaxOutputChars+len(TruncationSuffix))
}

func TestClipRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", Clip("short", 100))
	assert.Equal(t, "", Clip("anything", 0))

	// "é" is two bytes; a 99-byte cut would land mid-rune.
	multi := strings.Repeat("é", 60)
	got := Clip(multi, 99)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, 98)

	got = TruncateOutput(multi, 99)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 49)+TruncationSuffix, got)
}

func TestContextAccessors(t *testing.T) {
	ctx := Context{
		"str":     "value",
		"int":     7,
		"float":   float64(3),
		"frac":    1.5,
		"boolstr": "1",
		"bool":    true,
	}

	assert.Equal(t, "value", ctx.String("str"))
	assert.Equal(t, "", ctx.String("int"))

	n, ok := ctx.Int("int")
	require.True(t, ok)
	assert.Equal(t, 7, n)

	n, ok = ctx.Int("float")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = ctx.Int("frac")
	assert.False(t, ok)

	assert.Equal(t, 42, ctx.IntOr("missing", 42))
	assert.True(t, ctx.Bool("boolstr"))
	assert.True(t, ctx.Bool("bool"))
	assert.False(t, ctx.Bool("missing"))

	var nilCtx Context
	assert.Equal(t, "", nilCtx.String("anything"))
	assert.Equal(t, 0, nilCtx.RetryCount())
}

func TestContextRetryMax(t *testing.T) {
	assert.Equal(t, 1, Context{}.RetryMax(1))
	assert.Equal(t, 3, Context{KeyRetryMax: 3}.RetryMax(1))
	assert.Equal(t, 5, Context{KeyRetryMax: 9}.RetryMax(1))
	assert.Equal(t, 0, Context{KeyRetryMax: -2}.RetryMax(1))
	// JSON round-trip delivers float64.
	assert.Equal(t, 2, Context{KeyRetryMax: float64(2)}.RetryMax(1))
}

func TestContextMerge(t *testing.T) {
	base := Context{"a": 1, "b": "keep"}
	merged := base.Merge(Context{"a": 2, "c": true})

	assert.Equal(t, 2, merged["a"])
	assert.Equal(t, "keep", merged["b"])
	assert.Equal(t, true, merged["c"])
	// Original untouched.
	assert.Equal(t, 1, base["a"])
}

func TestCreateRequestValidate(t *testing.T) {
	tests := []struct {
		name      string
		req       CreateRequest
		wantField string
	}{
		{
			name: "valid",
			req:  CreateRequest{Direction: "do the thing", Kind: KindImpl},
		},
		{
			name:      "whitespace direction",
			req:       CreateRequest{Direction: "   \t  ", Kind: KindImpl},
			wantField: "direction",
		},
		{
			name:      "direction too long",
			req:       CreateRequest{Direction: strings.Repeat("a", MaxDirectionChars+1), Kind: KindImpl},
			wantField: "direction",
		},
		{
			name:      "unknown kind",
			req:       CreateRequest{Direction: "work", Kind: "chore"},
			wantField: "task_type",
		},
		{
			name:      "target state too long",
			req:       CreateRequest{Direction: "work", Kind: KindSpec, TargetState: strings.Repeat("b", MaxTargetStateChars+1)},
			wantField: "target_state",
		},
		{
			name:      "observation window out of range",
			req:       CreateRequest{Direction: "work", Kind: KindSpec, ObservationWindowSec: intPtr(0)},
			wantField: "observation_window_sec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.wantField {
					found = true
				}
			}
			assert.True(t, found, "expected a %s field error, got %v", tt.wantField, verr.Fields)
		})
	}
}

func TestCreateRequestValidateTrims(t *testing.T) {
	req := CreateRequest{Direction: "  trim me  ", Kind: KindTest}
	require.NoError(t, req.Validate())
	assert.Equal(t, "trim me", req.Direction)
}

func TestUpdateRequestEmpty(t *testing.T) {
	assert.True(t, (&UpdateRequest{}).Empty())

	status := StatusRunning
	assert.False(t, (&UpdateRequest{Status: &status}).Empty())
	assert.False(t, (&UpdateRequest{Context: Context{"k": "v"}}).Empty())
}

func TestUpdateRequestValidate(t *testing.T) {
	bad := StatusPending
	require.NoError(t, (&UpdateRequest{Status: &bad}).Validate())

	unknown := Status("bogus")
	assert.Error(t, (&UpdateRequest{Status: &unknown}).Validate())

	assert.Error(t, (&UpdateRequest{ProgressPct: intPtr(101)}).Validate())
	assert.Error(t, (&UpdateRequest{ProgressPct: intPtr(-1)}).Validate())
	assert.NoError(t, (&UpdateRequest{ProgressPct: intPtr(100)}).Validate())
}

func TestStringListUnmarshal(t *testing.T) {
	var s StringList
	require.NoError(t, s.UnmarshalJSON([]byte(`"one"`)))
	assert.Equal(t, StringList{"one"}, s)

	require.NoError(t, s.UnmarshalJSON([]byte(`["a", " b ", ""]`)))
	assert.Equal(t, []string{"a", "b"}, s.Normalize())

	assert.Error(t, s.UnmarshalJSON([]byte(`42`)))
}

func TestValidateCard(t *testing.T) {
	full := Context{KeyTaskCard: map[string]any{
		"goal":          "ship it",
		"files_allowed": []any{"main.go"},
		"done_when":     "tests pass",
		"commands":      []any{"go test"},
		"constraints":   "no new deps",
	}}
	v := ValidateCard(full)
	assert.Equal(t, 1.0, v.Score)
	assert.Empty(t, v.Missing)

	partial := Context{KeyTaskCard: map[string]any{
		"goal":      "ship it",
		"done_when": "tests pass",
	}}
	v = ValidateCard(partial)
	assert.InDelta(t, 0.4, v.Score, 0.001)
	assert.ElementsMatch(t, []string{"files_allowed", "commands", "constraints"}, v.Missing)

	v = ValidateCard(Context{})
	assert.Equal(t, 0.0, v.Score)
	assert.Len(t, v.Missing, 5)
}

func intPtr(n int) *int { return &n }
