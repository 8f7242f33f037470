package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidJSON       = "INVALID_JSON"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeBlockedRequest    = "BLOCKED_REQUEST"
	ErrCodeExpectation       = "EXPECTATION_FAILED"
	ErrCodeExtraction        = "EXTRACTION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// ChainError is the structured error type for all reqchain operations.
type ChainError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ChainError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ChainError.
func NewError(code, message string) *ChainError {
	return &ChainError{Code: code, Message: message}
}

// NewErrorf creates a new ChainError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainError {
	return &ChainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ChainError) WithStep(stepID string) *ChainError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainError) WithCause(err error) *ChainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainError) WithDetails(details map[string]any) *ChainError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first ChainError in err's chain, or "".
func ErrorCode(err error) string {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
