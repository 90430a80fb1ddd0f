package taskweave

import "fmt"

// Error codes for specific failure types
const (
	ErrCodeInvalidPlan      = "INVALID_PLAN"
	ErrCodeMissingParameter = "MISSING_PARAMETER"
	ErrCodeToolNotFound     = "TOOL_NOT_FOUND"
	ErrCodeProvider         = "PROVIDER_ERROR"
	ErrCodeTimeout          = "TIMEOUT_EXCEEDED"
	ErrCodePersist          = "PERSIST_ERROR"
	ErrCodeEvaluation       = "EVALUATION_ERROR"
	ErrCodeConfiguration    = "CONFIGURATION_ERROR"
	ErrCodeCancelled        = "EXECUTION_CANCELLED"
	ErrCodeCache            = "CACHE_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Error is the engine's coded error type.
type Error struct {
	Code    string // A machine-readable error code (e.g., ErrCodeInvalidPlan)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "execution")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new coded Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stage:   stage,
		Cause:   cause,
	}
}

// IsCode reports whether err is (or wraps) a coded Error with the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		if te, ok := err.(*Error); ok && te.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Specific error constructors

func NewInvalidPlanError(message string, cause error) *Error {
	return NewError(ErrCodeInvalidPlan, "planning", message, cause)
}

func NewMissingParameterError(stage, subject, param string) *Error {
	msg := fmt.Sprintf("missing required parameter '%s' for '%s'", param, subject)
	return NewError(ErrCodeMissingParameter, stage, msg, nil)
}

func NewToolNotFoundError(stage, toolName string) *Error {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewProviderInvokeError(toolName string, cause error) *Error {
	return NewError(ErrCodeProvider, "execution", fmt.Sprintf("provider call failed for tool '%s'", toolName), cause)
}

func NewTimeoutError(stage string, cause error) *Error {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewPersistError(cause error) *Error {
	return NewError(ErrCodePersist, "persistence", "failed to append run record", cause)
}

func NewEvaluationError(cause error) *Error {
	return NewError(ErrCodeEvaluation, "evaluation", "failed to evaluate run", cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewCacheError(stage, operation string, cause error) *Error {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// ProviderError is the error providers return across the invoke boundary.
// Retryable tells the dispatcher whether a repeat attempt could succeed
// (rate limits, upstream 5xx, transient network faults).
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

// IsRetryable reports whether err is (or wraps) a retryable ProviderError.
func IsRetryable(err error) bool {
	for err != nil {
		if pe, ok := err.(*ProviderError); ok {
			return pe.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
