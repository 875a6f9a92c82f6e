package lifecycle

import "fmt"

// InvalidTransition reports a violated precondition. It names the offending
// field with its actual and expected values.
type InvalidTransition struct {
	Transition Kind
	Field      string
	Actual     string
	Expected   string
}

func (e InvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s: %s is %q, expected %s", e.Transition, e.Field, e.Actual, e.Expected)
}

func invalid(kind Kind, field, actual, expected string) error {
	return InvalidTransition{Transition: kind, Field: field, Actual: actual, Expected: expected}
}

func label(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
