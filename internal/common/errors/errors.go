// Package errors provides custom error types for the orchestration core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. Grouped by retry policy: transient errors may be
// retried with backoff, permanent errors are surfaced to the originator,
// semantic errors are recoverable at the orchestration layer.
const (
	// Transient
	ErrCodeBusUnavailable   = "BUS_UNAVAILABLE"
	ErrCodeLLMRateLimited   = "LLM_RATE_LIMITED"
	ErrCodeLLMUnavailable   = "LLM_UNAVAILABLE"
	ErrCodeLockContention   = "LOCK_CONTENTION"
	ErrCodeHistoryIOTimeout = "HISTORY_IO_TIMEOUT"

	// Permanent
	ErrCodeUnsupportedRole   = "UNSUPPORTED_ROLE"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeInvalidDelegation = "INVALID_DELEGATION"
	ErrCodeMalformedMessage  = "MALFORMED_MESSAGE"
	ErrCodeSessionCorrupted  = "SESSION_CORRUPTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"

	// Semantic (recoverable at the orchestration layer)
	ErrCodeAgentStuck    = "AGENT_STUCK"
	ErrCodeBlockerRaised = "BLOCKER_RAISED"

	// External
	ErrCodeToolFailure = "TOOL_FAILURE"
)

// AppError represents an application-specific error with a machine-readable
// code and a free-text reason.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// BusUnavailable signals that a publish could not be durably confirmed.
func BusUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeBusUnavailable,
		Message:    "message bus did not confirm persistence within the ack timeout",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// LLMRateLimited signals provider throttling on a reasoning call.
func LLMRateLimited(err error) *AppError {
	return &AppError{
		Code:       ErrCodeLLMRateLimited,
		Message:    "llm provider rate limited the request",
		HTTPStatus: http.StatusTooManyRequests,
		Err:        err,
	}
}

// LLMUnavailable signals a failed reasoning call.
func LLMUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeLLMUnavailable,
		Message:    "llm provider is unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// LockContention signals that the execution lock is held elsewhere.
func LockContention(executionID string) *AppError {
	return &AppError{
		Code:       ErrCodeLockContention,
		Message:    fmt.Sprintf("execution '%s' is owned by another orchestrator", executionID),
		HTTPStatus: http.StatusConflict,
	}
}

// HistoryIOTimeout signals a timed-out history store operation.
func HistoryIOTimeout(err error) *AppError {
	return &AppError{
		Code:       ErrCodeHistoryIOTimeout,
		Message:    "history store operation timed out",
		HTTPStatus: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// UnsupportedRole is returned by the factory for unknown roles.
func UnsupportedRole(role string) *AppError {
	return &AppError{
		Code:       ErrCodeUnsupportedRole,
		Message:    fmt.Sprintf("role '%s' is not supported", role),
		HTTPStatus: http.StatusBadRequest,
	}
}

// IllegalTransition is returned by the workflow engine for invalid edges.
func IllegalTransition(from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeIllegalTransition,
		Message:    fmt.Sprintf("transition %s -> %s is not allowed", from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidDelegation signals a task_assignment violating the role hierarchy.
func InvalidDelegation(senderRole, recipientRole string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidDelegation,
		Message:    fmt.Sprintf("role '%s' may not delegate to role '%s'", senderRole, recipientRole),
		HTTPStatus: http.StatusForbidden,
	}
}

// MalformedMessage signals an envelope that fails validation.
func MalformedMessage(err error) *AppError {
	return &AppError{
		Code:       ErrCodeMalformedMessage,
		Message:    "message envelope failed validation",
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}

// SessionCorrupted signals an unreadable persisted agent session.
func SessionCorrupted(sessionID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSessionCorrupted,
		Message:    fmt.Sprintf("session '%s' could not be restored", sessionID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AgentStuck signals no observable progress within the stall window.
func AgentStuck(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentStuck,
		Message:    fmt.Sprintf("agent '%s' made no progress within the stall window", agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// BlockerRaised signals a status_update with the blocked marker.
func BlockerRaised(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeBlockerRaised,
		Message:    reason,
		HTTPStatus: http.StatusConflict,
	}
}

// ToolFailure signals a failed external tool call.
func ToolFailure(tool string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeToolFailure,
		Message:    fmt.Sprintf("tool '%s' failed", tool),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsTransient reports whether the error may be retried with backoff.
func IsTransient(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeBusUnavailable, ErrCodeLLMRateLimited, ErrCodeLLMUnavailable,
		ErrCodeLockContention, ErrCodeHistoryIOTimeout:
		return true
	}
	return false
}

// IsCode reports whether the error carries the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
