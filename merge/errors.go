package merge

import "fmt"

// UnrecoverableError marks a merge left in a state requiring manual operator
// recovery: the mutating step failed AND the best-effort restoration of the
// previous state failed too. Automatic retry must not be attempted.
type UnrecoverableError struct {
	// Cause is the original mutation failure.
	Cause error
	// Recovery is the failure of the restoration attempt.
	Recovery error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("merge left in unrecoverable state, manual recovery required: %v (restoration failed: %v)", e.Cause, e.Recovery)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Cause
}
