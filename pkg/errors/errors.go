package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime/debug"
)

// Kind classifies an AppError for retry and routing decisions
type Kind string

const (
	// KindValidation marks malformed input or a malformed action/message construction
	KindValidation Kind = "validation"
	// KindNotFound marks an unknown session, bot, channel, or correlation token
	KindNotFound Kind = "not_found"
	// KindTransient marks store or bus failures that may succeed on retry
	KindTransient Kind = "transient"
	// KindPoison marks an envelope that cannot be deserialized
	KindPoison Kind = "poison"
	// KindEngine marks FSM logic failures; fatal to the current turn only
	KindEngine Kind = "engine"
	// KindConflict marks a lost race on a uniqueness guard
	KindConflict Kind = "conflict"
	// KindUnauthorized marks a rejected credential
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden marks a valid credential used outside its grant
	KindForbidden Kind = "forbidden"
	// KindRateLimited marks a caller over its request budget
	KindRateLimited Kind = "rate_limited"
	// KindInternal is the fallback for unclassified failures
	KindInternal Kind = "internal"
)

// AppError represents an application error with a kind, HTTP status code and error code
type AppError struct {
	Kind       Kind   `json:"-"`
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Stack      string `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// NewError creates a new application error
func NewError(kind Kind, statusCode int, code string, message string) *AppError {
	return &AppError{
		Kind:       kind,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Stack:      string(debug.Stack()),
	}
}

// NewValidationError creates a 400 validation error
func NewValidationError(code string, message string) *AppError {
	return NewError(KindValidation, http.StatusBadRequest, code, message)
}

// NewUnauthorizedError creates a 401 Unauthorized error
func NewUnauthorizedError(code string, message string) *AppError {
	return NewError(KindUnauthorized, http.StatusUnauthorized, code, message)
}

// NewForbiddenError creates a 403 Forbidden error
func NewForbiddenError(code string, message string) *AppError {
	return NewError(KindForbidden, http.StatusForbidden, code, message)
}

// NewTooManyRequestsError creates a 429 error
func NewTooManyRequestsError(code string, message string) *AppError {
	return NewError(KindRateLimited, http.StatusTooManyRequests, code, message)
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(code string, message string) *AppError {
	return NewError(KindNotFound, http.StatusNotFound, code, message)
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(code string, message string) *AppError {
	return NewError(KindConflict, http.StatusConflict, code, message)
}

// NewPoisonMessageError creates a 422 error for undeserializable envelopes
func NewPoisonMessageError(code string, message string, cause error) *AppError {
	e := NewError(KindPoison, http.StatusUnprocessableEntity, code, message)
	e.Err = cause
	return e
}

// NewEngineError creates a 500 error for FSM logic failures
func NewEngineError(code string, message string) *AppError {
	return NewError(KindEngine, http.StatusInternalServerError, code, message)
}

// NewTransientError wraps a store or bus failure as retryable
func NewTransientError(code string, message string, cause error) *AppError {
	e := NewError(KindTransient, http.StatusServiceUnavailable, code, message)
	e.Err = cause
	return e
}

// NewInternalServerError creates a 500 Internal Server Error
func NewInternalServerError(code string, message string) *AppError {
	return NewError(KindInternal, http.StatusInternalServerError, code, message)
}

// Is checks if err is an AppError with the same code as target
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == target.Code
}

// KindOf returns the kind of the first AppError in err's chain, or KindInternal
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsTransient reports whether err is retryable
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsConflict reports whether err is a uniqueness conflict
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsPoison reports whether err marks a poison message
func IsPoison(err error) bool { return err != nil && KindOf(err) == KindPoison }

// IsEngine reports whether err is an FSM logic failure
func IsEngine(err error) bool { return err != nil && KindOf(err) == KindEngine }
