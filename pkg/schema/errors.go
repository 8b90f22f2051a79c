package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStatusChanged     = "STATUS_CHANGED"
	ErrCodeNotRetryable      = "NOT_RETRYABLE"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeStepUnavailable   = "STEP_UNAVAILABLE"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// OrchestraError is the structured error type returned by every engine API.
type OrchestraError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OrchestraError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrchestraError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OrchestraError.
func NewError(code, message string) *OrchestraError {
	return &OrchestraError{Code: code, Message: message}
}

// NewErrorf creates a new OrchestraError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrchestraError {
	return &OrchestraError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node execution ID to the error.
func (e *OrchestraError) WithNode(nodeID string) *OrchestraError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *OrchestraError) WithCause(err error) *OrchestraError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OrchestraError) WithDetails(details map[string]any) *OrchestraError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first OrchestraError in err's chain, or "".
func ErrorCode(err error) string {
	var oe *OrchestraError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsStatusChanged reports whether err is a lost compare-and-set race.
func IsStatusChanged(err error) bool {
	return ErrorCode(err) == ErrCodeStatusChanged
}

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeNotFound
}
