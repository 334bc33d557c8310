package workflowapi

import "fmt"

// Error kinds for workflow API failures.
const (
	ErrKindTransport = "transport"
	ErrKindContract  = "contract"
)

// APIError describes a failed planner or generator call. Transport errors
// are recoverable (the caller may retry idempotent calls); contract errors
// indicate a protocol mismatch and are not.
type APIError struct {
	Kind       string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error on %s (status %d): %v", e.Kind, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error on %s: %v", e.Kind, e.Endpoint, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Recoverable reports whether a retry could plausibly succeed.
func (e *APIError) Recoverable() bool {
	return e.Kind == ErrKindTransport
}

func transportError(endpoint string, statusCode int, err error) *APIError {
	return &APIError{Kind: ErrKindTransport, Endpoint: endpoint, StatusCode: statusCode, Err: err}
}

func contractError(endpoint string, err error) *APIError {
	return &APIError{Kind: ErrKindContract, Endpoint: endpoint, Err: err}
}
