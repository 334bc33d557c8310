package scripts

import "fmt"

// Action error reason kinds.
const (
	ReasonMissingField = "missing_field"
	ReasonUnknownCell  = "unknown_cell"
	ReasonExecution    = "execution"
	ReasonStoreFailure = "store_failure"
)

// ActionError describes a failed action dispatch with a semantic reason.
type ActionError struct {
	ActionType string
	Reason     string
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q failed (%s): %v", e.ActionType, e.Reason, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func actionError(actionType, reason string, err error) *ActionError {
	return &ActionError{ActionType: actionType, Reason: reason, Err: err}
}
