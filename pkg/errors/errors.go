// Package errors provides the error-kind vocabulary spec'd for the
// rollout orchestrator (§7): Transient, ConditionalCheckFailed,
// Unauthorized, ProtocolViolation, Invariant, NotFound, RateLimited, and a
// catch-all Unexpected.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code represents an error kind.
type Code string

const (
	CodeNotFound               Code = "NOT_FOUND"
	CodeConditionalCheckFailed Code = "CONDITIONAL_CHECK_FAILED"
	CodeTransient              Code = "TRANSIENT"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeProtocolViolation      Code = "PROTOCOL_VIOLATION"
	CodeInvariant              Code = "INVARIANT"
	CodeInvalidInput           Code = "INVALID_INPUT"
	CodeConflict               Code = "CONFLICT"
	CodeUnexpected             Code = "UNEXPECTED"
)

// AppError represents an application error.
type AppError struct {
	Code       Code        `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	HTTPStatus int         `json:"-"`
	Err        error       `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithError wraps an underlying error.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// NewError creates a new AppError.
func NewError(code Code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// NotFound creates a not found error.
func NotFound(resource, id string) *AppError {
	return NewError(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id), http.StatusNotFound)
}

// ConditionalCheckFailed creates the error returned when a conditional
// store update loses its race: the (id, created_at) row no longer exists.
func ConditionalCheckFailed(id string) *AppError {
	return NewError(CodeConditionalCheckFailed, fmt.Sprintf("conditional check failed for %s", id), http.StatusConflict)
}

// Transient creates a retryable transport/timeout error from the Store or
// CI Client.
func Transient(message string, cause error) *AppError {
	return NewError(CodeTransient, message, http.StatusServiceUnavailable).WithError(cause)
}

// Unauthorized creates an error for a rejected installation token.
func Unauthorized(message string) *AppError {
	return NewError(CodeUnauthorized, message, http.StatusUnauthorized)
}

// RateLimited creates an error for a CI-provider rate limit response.
func RateLimited(message string) *AppError {
	return NewError(CodeRateLimited, message, http.StatusTooManyRequests)
}

// ProtocolViolation creates an error for a response that cannot be decoded
// per the wire contract.
func ProtocolViolation(message string, cause error) *AppError {
	return NewError(CodeProtocolViolation, message, http.StatusBadGateway).WithError(cause)
}

// Invariant creates an error for a state-machine precondition violation,
// e.g. an observed status outside the mapped set.
func Invariant(message string) *AppError {
	return NewError(CodeInvariant, message, http.StatusInternalServerError)
}

// InvalidInput creates a validation error for CreateWorkflow.
func InvalidInput(message string) *AppError {
	return NewError(CodeInvalidInput, message, http.StatusBadRequest)
}

// Conflict creates a conflict error, e.g. PutNew racing an existing row.
func Conflict(resource string) *AppError {
	return NewError(CodeConflict, fmt.Sprintf("%s already exists", resource), http.StatusConflict)
}

// Unexpected wraps any error that doesn't fit a more specific kind.
func Unexpected(message string, cause error) *AppError {
	return NewError(CodeUnexpected, message, http.StatusInternalServerError).WithError(cause)
}

// Is reports whether err (or any error it wraps) carries the given code.
func Is(err error, code Code) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// IsTransient reports whether err should be treated as a lost tick that
// the next dispatcher pass will retry naturally.
func IsTransient(err error) bool {
	return Is(err, CodeTransient)
}

// IsConditionalCheckFailed reports whether err is a lost conditional-update
// race (§7): the caller should log and silently drop.
func IsConditionalCheckFailed(err error) bool {
	return Is(err, CodeConditionalCheckFailed)
}
