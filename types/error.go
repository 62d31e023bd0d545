package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Gateway / backend error codes
const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrBackendExhausted  ErrorCode = "BACKEND_EXHAUSTED"  // rate limit / capacity; triggers failover
	ErrBackendValidation ErrorCode = "BACKEND_VALIDATION" // schema defect; never failed over
	ErrRoutingUnavailable ErrorCode = "ROUTING_UNAVAILABLE"
	ErrUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError     ErrorCode = "UPSTREAM_ERROR"
	ErrContentFiltered   ErrorCode = "CONTENT_FILTERED"
)

// Loop / task error codes
const (
	ErrSchemaCompilation    ErrorCode = "SCHEMA_COMPILATION"
	ErrToolInvocation       ErrorCode = "TOOL_INVOCATION"
	ErrIterationLimit       ErrorCode = "ITERATION_LIMIT"
	ErrTimeout              ErrorCode = "TIMEOUT"
	ErrTaskCancelled        ErrorCode = "TASK_CANCELLED"
	ErrQualityGateExhausted ErrorCode = "QUALITY_GATE_EXHAUSTED"
	ErrNoSuccessfulBranch   ErrorCode = "NO_SUCCESSFUL_BRANCH"
	ErrConfigInvalid        ErrorCode = "CONFIG_INVALID"
	ErrInternalError        ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
// User-visible failure is always a structured result with a reason code,
// never a raw trace.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Backend   string    `json:"backend,omitempty"`
	Retryable bool      `json:"retryable"`
	// Context carries extra diagnostic detail, e.g. the compiled schema that
	// a backend rejected.
	Context string `json:"context,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithBackend sets the backend name.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithContext attaches diagnostic context.
func (e *Error) WithContext(ctx string) *Error {
	e.Context = ctx
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
