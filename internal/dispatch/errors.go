package dispatch

import "errors"

// Sentinel errors returned by the dispatch engine and rule repository.
// Callers match with errors.Is; wrapped messages carry the detail.
var (
	// ErrRuleEvaluation marks a malformed condition or an event lacking a
	// field the condition needs. The event is skipped; the engine is
	// unaffected.
	ErrRuleEvaluation = errors.New("dispatch: rule evaluation failed")

	// ErrRuleNotFound is returned when a rule id does not exist.
	ErrRuleNotFound = errors.New("dispatch: rule not found")

	// ErrRuleExists is returned when creating a rule with a taken id.
	ErrRuleExists = errors.New("dispatch: rule already exists")

	// ErrInvalidRule marks a rule that fails validation.
	ErrInvalidRule = errors.New("dispatch: invalid rule")
)
