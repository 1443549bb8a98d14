package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeUpstreamError   ErrorType = "upstream_error"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewUpstreamError creates an APIError for failures of the execution backend
// or the model provider.
func NewUpstreamError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeUpstreamError,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// ErrorKind classifies execution failures by where they occurred, so callers
// can apply their own retry policy. The executor never retries on its own: a
// silent retry against a stateful session could duplicate side effects of
// code that already ran.
type ErrorKind string

const (
	// KindAuth: no usable credential for the backend.
	KindAuth ErrorKind = "auth"
	// KindTransport: network-level failure reaching the backend (DNS,
	// connection refused, TLS). The request never arrived.
	KindTransport ErrorKind = "transport"
	// KindBackendTimeout: no response within the execution timeout. The code
	// may or may not have run; retrying is the caller's risk to take.
	KindBackendTimeout ErrorKind = "backend_timeout"
	// KindBackendError: backend reachable but responded with a failure status
	// or a malformed body.
	KindBackendError ErrorKind = "backend_error"
)

// ExecError is a classified execution failure. It covers faults in reaching
// or operating the backend only; code that fails inside the sandbox is a
// normal ExecutionResult with Succeeded=false, never an ExecError.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("execution failed (%s)", e.Kind)
}

// Unwrap returns the underlying cause.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is a candidate for caller-level
// retry. Auth and transport failures never reached the backend; a timeout
// may have, so retrying it risks running the code twice.
func (e *ExecError) Retryable() bool {
	return e.Kind == KindAuth || e.Kind == KindTransport
}

// UserMessage returns the generic caller-facing message for infrastructure
// failures. Transport details stay in logs, not in user output.
func (e *ExecError) UserMessage() string {
	return "execution service unavailable"
}

// NewExecError wraps err with the given kind.
func NewExecError(kind ErrorKind, err error) *ExecError {
	return &ExecError{Kind: kind, Err: err}
}

// ExecErrorKind extracts the kind from err, or "" if err is not an ExecError.
func ExecErrorKind(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
