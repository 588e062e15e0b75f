// Package errors provides the application error types used across agentdeck.
//
// Every error that crosses a component boundary is an *AppError carrying a
// stable code, an HTTP status for the transport layer, and an optional
// wrapped cause. Retry and state-transition decisions are made from the
// code, never from message text.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidState       = "INVALID_STATE_TRANSITION"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeBudgetExceeded     = "BUDGET_EXCEEDED"
	ErrCodeTransient          = "TRANSIENT"
	ErrCodeFatal              = "INTERNAL_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeTemplateError      = "TEMPLATE_ERROR"
	ErrCodeClientNotConnected = "CLIENT_NOT_CONNECTED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
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

// WithDetail returns a copy of the error with the detail field set.
func (e *AppError) WithDetail(detail string) *AppError {
	clone := *e
	clone.Detail = detail
	return &clone
}

// Validation creates a new validation error (bad input shape, unknown enum).
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new authentication error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new authorization error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidState creates an error for an illegal state-machine transition.
// Never retried.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Conflict creates an error for an invariant violation (e.g. duplicate
// message sequence).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// QuotaExceeded creates an error for concurrent-session quota violations.
func QuotaExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeQuotaExceeded,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// BudgetExceeded creates an error for monthly budget violations.
func BudgetExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBudgetExceeded,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Transient creates a retryable error (connection failures, storage
// deadlocks, child-spawn EAGAIN). Surfaces as 503 only after retries are
// exhausted.
func Transient(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransient,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Fatal creates a non-retryable internal error. Increments error counters
// but never crashes the process.
func Fatal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeFatal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Cancelled creates an error for cooperative cancellation (terminate or
// per-turn timeout). Partial persistence from the turn is kept.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ClientNotConnected creates an error for operations that require a live
// agent subprocess.
func ClientNotConnected(message string) *AppError {
	return &AppError{
		Code:       ErrCodeClientNotConnected,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// TemplateError creates an error for prompt-template rendering failures.
func TemplateError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTemplateError,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an
// AppError. If err is already an AppError its code and status are kept.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    message,
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{
		Code:       ErrCodeFatal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code for err, or ErrCodeFatal for plain errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeFatal
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsTransient reports whether err should be retried by a retry policy.
func IsTransient(err error) bool {
	return Code(err) == ErrCodeTransient
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool {
	return Code(err) == ErrCodeCancelled || errors.Is(err, context.Canceled)
}
