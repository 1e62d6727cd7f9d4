package agent

import (
	"fmt"
	"strings"
)

// ValidationError reports missing required inputs for a handler. Recoverable:
// the user is re-prompted, no phase change occurs.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required input: %s", strings.Join(e.Missing, ", "))
}

// IllegalTransitionError reports an action dispatched in a phase where it is
// not legal. This is a UI-sequencing bug, not user error: it is logged,
// surfaced as a generic error message, and leaves all state untouched.
type IllegalTransitionError struct {
	Phase  Phase
	Action ActionType
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("action %s is not legal in phase %s", e.Action, e.Phase)
}

// TransportError wraps a network/timeout/non-2xx failure from an outbound
// call. Triggers the handler's fallback or the error phase.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EscalationExhaustedError reports that identification stayed below the
// confidence threshold after the capped escalation.
type EscalationExhaustedError struct {
	Confidence float64
}

func (e *EscalationExhaustedError) Error() string {
	return fmt.Sprintf("could not confidently identify the wine (confidence %.2f after escalation)", e.Confidence)
}
