package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes for the supervisor
const (
	ErrCodeUnknownChallenge        = "UNKNOWN_CHALLENGE"
	ErrCodePolicyDenied            = "POLICY_DENIED"
	ErrCodeConcurrentInstanceLimit = "CONCURRENT_INSTANCE_LIMIT"
	ErrCodeCapacityExceeded        = "CAPACITY_EXCEEDED"
	ErrCodeNoPortsAvailable        = "NO_PORTS_AVAILABLE"
	ErrCodeRuntimeUnavailable      = "RUNTIME_UNAVAILABLE"
	ErrCodeDeployFailed            = "DEPLOY_FAILED"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeReconciliationDrift     = "RECONCILIATION_DRIFT"
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeInternalError           = "INTERNAL_ERROR"
)

// SandboxError represents a structured error from the supervisor.
// Cause is kept for server-side logging and is never serialized.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Cause   error  `json:"-"`
}

func (e *SandboxError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *SandboxError) Unwrap() error {
	return e.Cause
}

// Is matches another SandboxError by code so errors.Is works against the
// sentinel values below.
func (e *SandboxError) Is(target error) bool {
	var other *SandboxError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewSandboxError creates a new structured error
func NewSandboxError(code, message, details string) *SandboxError {
	return &SandboxError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapSandboxError creates a structured error that carries an underlying cause
func WrapSandboxError(code, message string, cause error) *SandboxError {
	return &SandboxError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Sentinels for errors.Is comparisons
var (
	ErrUnknownChallenge        = NewSandboxError(ErrCodeUnknownChallenge, "unknown challenge", "")
	ErrPolicyDenied            = NewSandboxError(ErrCodePolicyDenied, "denied", "")
	ErrConcurrentInstanceLimit = NewSandboxError(ErrCodeConcurrentInstanceLimit, "an instance is already running", "")
	ErrCapacityExceeded        = NewSandboxError(ErrCodeCapacityExceeded, "maximum instances reached for this challenge", "")
	ErrNoPortsAvailable        = NewSandboxError(ErrCodeNoPortsAvailable, "no host ports available", "")
	ErrRuntimeUnavailable      = NewSandboxError(ErrCodeRuntimeUnavailable, "container runtime is not available", "")
	ErrDeployFailed            = NewSandboxError(ErrCodeDeployFailed, "failed to deploy challenge", "")
	ErrNotFound                = NewSandboxError(ErrCodeNotFound, "instance not found", "")
	ErrForbidden               = NewSandboxError(ErrCodeForbidden, "forbidden", "")
	ErrReconciliationDrift     = NewSandboxError(ErrCodeReconciliationDrift, "registry and runtime disagree", "")
)

// CodeOf returns the supervisor error code carried by err, or
// ErrCodeInternalError for anything unstructured.
func CodeOf(err error) string {
	var sbErr *SandboxError
	if errors.As(err, &sbErr) {
		return sbErr.Code
	}
	return ErrCodeInternalError
}

// HTTPStatus maps an error code to the status returned at the HTTP boundary
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeUnknownChallenge, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodePolicyDenied, ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeConcurrentInstanceLimit:
		return http.StatusConflict
	case ErrCodeCapacityExceeded, ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeNoPortsAvailable, ErrCodeRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-safe message for err. Causes and
// details from the runtime never leave the process.
func PublicMessage(err error) string {
	var sbErr *SandboxError
	if errors.As(err, &sbErr) {
		return sbErr.Message
	}
	return "internal error"
}

// Context keys
type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
)

// ContextWithCorrelationID adds a correlation ID to context
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext extracts the correlation ID from context
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	correlationID, ok := ctx.Value(correlationIDKey).(string)
	return correlationID, ok
}
