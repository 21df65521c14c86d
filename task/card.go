package task

// cardRequiredFields are the task-card fields completeness is scored
// against: goal, files_allowed, done_when, commands, constraints.
var cardRequiredFields = []string{"goal", "files_allowed", "done_when", "commands", "constraints"}

// CardValidation scores how complete a task card is at creation time.
// Score is 1 - |missing|/|required|, in [0, 1].
type CardValidation struct {
	Present []string `json:"present"`
	Missing []string `json:"missing"`
	Score   float64  `json:"score"`
}

// ValidateCard inspects context.task_card (a nested map) and scores it.
// A context without a card scores 0 with every field missing.
func ValidateCard(ctx Context) CardValidation {
	card, _ := ctx[KeyTaskCard].(map[string]any)

	v := CardValidation{
		Present: []string{},
		Missing: []string{},
	}
	for _, field := range cardRequiredFields {
		if present(card, field) {
			v.Present = append(v.Present, field)
		} else {
			v.Missing = append(v.Missing, field)
		}
	}
	v.Score = 1 - float64(len(v.Missing))/float64(len(cardRequiredFields))
	return v
}

// present reports whether the card carries a non-empty value for field.
func present(card map[string]any, field string) bool {
	if card == nil {
		return false
	}
	switch v := card[field].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	default:
		return true
	}
}

// AsMap converts a CardValidation into a context-storable map so it
// survives JSON round-trips identically to decoded values.
func (v CardValidation) AsMap() map[string]any {
	present := make([]any, len(v.Present))
	for i, p := range v.Present {
		present[i] = p
	}
	missing := make([]any, len(v.Missing))
	for i, m := range v.Missing {
		missing[i] = m
	}
	return map[string]any{
		"present": present,
		"missing": missing,
		"score":   v.Score,
	}
}
