// Package errors provides structured error types for groundctl.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeDuplicate  ErrorCode = "DUPLICATE_DECLARATION"
	ErrCodeCycle      ErrorCode = "CYCLE_ERROR"
	ErrCodeUnresolved ErrorCode = "UNRESOLVED_REFERENCE"
	ErrCodeProvider   ErrorCode = "PROVIDER_ERROR"
	ErrCodeLocked     ErrorCode = "STATE_LOCKED"
	ErrCodeDrift      ErrorCode = "DRIFT_DETECTED"
	ErrCodeRejected   ErrorCode = "PLAN_REJECTED"
	ErrCodeTimeout    ErrorCode = "TIMEOUT"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeParse      ErrorCode = "PARSE_ERROR"
	ErrCodeExpression ErrorCode = "EXPRESSION_ERROR"
	ErrCodeBackend    ErrorCode = "BACKEND_ERROR"
)

// Error is the base error type for groundctl
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}

	// Transient marks provider errors that are safe to retry
	// (network failures, timeouts, rate limits).
	Transient bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ValidationError creates a validation error
func ValidationError(message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// DuplicateDeclaration creates an error for two declarations claiming the
// same (kind, name) pair within one module scope.
func DuplicateDeclaration(scope, kind, name string) *Error {
	return &Error{
		Code:    ErrCodeDuplicate,
		Message: fmt.Sprintf("duplicate declaration %s.%s in module %q", kind, name, scope),
		Details: map[string]interface{}{
			"module": scope,
			"kind":   kind,
			"name":   name,
		},
	}
}

// CycleError creates an error reporting a dependency cycle. The addresses
// are listed in traversal order, first address repeated at the end.
func CycleError(addresses []string) *Error {
	return &Error{
		Code:    ErrCodeCycle,
		Message: fmt.Sprintf("dependency cycle: %s", strings.Join(addresses, " -> ")),
		Details: map[string]interface{}{
			"cycle": addresses,
		},
	}
}

// UnresolvedReference creates an error for an expression pointing at an
// address that cannot resolve (absent resource, out-of-range index).
func UnresolvedReference(reference, reason string) *Error {
	return &Error{
		Code:    ErrCodeUnresolved,
		Message: fmt.Sprintf("reference to %s cannot be resolved: %s", reference, reason),
		Details: map[string]interface{}{
			"reference": reference,
		},
	}
}

// ProviderFailure creates a provider error. Transient errors (network,
// rate limit) are retried by the executor; permanent errors are not.
func ProviderFailure(kind, address, operation string, transient bool, err error) *Error {
	return &Error{
		Code:      ErrCodeProvider,
		Message:   fmt.Sprintf("provider for %s failed during %s of %s", kind, operation, address),
		Cause:     err,
		Transient: transient,
		Details: map[string]interface{}{
			"kind":      kind,
			"address":   address,
			"operation": operation,
		},
	}
}

// Timeout creates a timeout error for a provider action. Timeouts are
// classified transient.
func Timeout(address, operation string, limit time.Duration) *Error {
	return &Error{
		Code:      ErrCodeTimeout,
		Message:   fmt.Sprintf("%s of %s exceeded timeout %s", operation, address, limit),
		Transient: true,
		Details: map[string]interface{}{
			"address":   address,
			"operation": operation,
			"timeout":   limit.String(),
		},
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// LockInfo contains metadata about a lock
type LockInfo struct {
	ID        string
	Path      string
	Who       string
	Operation string
	Created   time.Time
}

// StateLocked creates a state locked error
func StateLocked(lockInfo LockInfo) *Error {
	return &Error{
		Code:    ErrCodeLocked,
		Message: "state is locked",
		Details: map[string]interface{}{
			"lock_id":   lockInfo.ID,
			"locked_by": lockInfo.Who,
			"operation": lockInfo.Operation,
			"created":   lockInfo.Created,
		},
	}
}

// DriftDetected creates an error describing attributes that changed
// outside of groundctl. Drift is reported, never auto-corrected.
func DriftDetected(address string, attributes []string) *Error {
	return &Error{
		Code:    ErrCodeDrift,
		Message: fmt.Sprintf("state for %s has drifted (attributes: %s)", address, strings.Join(attributes, ", ")),
		Details: map[string]interface{}{
			"address":    address,
			"attributes": attributes,
		},
	}
}

// PlanRejected creates a fatal plan rejection, e.g. a destroy planned for
// a resource marked prevent_destroy.
func PlanRejected(address, reason string) *Error {
	return &Error{
		Code:    ErrCodeRejected,
		Message: fmt.Sprintf("plan rejected for %s: %s", address, reason),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// ParseError creates a parse error
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// ExpressionError creates an expression evaluation error
func ExpressionError(expression string, err error) *Error {
	return &Error{
		Code:    ErrCodeExpression,
		Message: fmt.Sprintf("failed to evaluate expression: %s", expression),
		Cause:   err,
		Details: map[string]interface{}{
			"expression": expression,
		},
	}
}

// BackendError creates a backend error
func BackendError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeBackend,
		Message: fmt.Sprintf("backend %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// Is checks if the error matches the given code
func Is(err error, code ErrorCode) bool {
	if e, ok := err.(*Error); ok {
		return e.Code == code
	}
	return false
}

// IsTransient reports whether the error is a retryable provider error.
func IsTransient(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Transient
	}
	return false
}

// IsNotFound reports whether the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return Is(err, ErrCodeNotFound)
}
