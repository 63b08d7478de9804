package apperror

import (
	"fmt"
	"net/http"
)

// Kind identifies the error category surfaced to callers.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTimeout    Kind = "timeout"
	KindNetwork    Kind = "network"
	KindDatabase   Kind = "database"
	KindInternal   Kind = "internal"
)

// AppError is the sanitized error returned across package boundaries.
// Message is safe to send to clients; the original driver error stays
// server-side (logged at classification time, reachable via Unwrap).
type AppError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Code       string // vendor error code, if any
	err        error
}

func (e *AppError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.err
}

// NewValidation reports a malformed or missing request field.
func NewValidation(format string, args ...interface{}) *AppError {
	return &AppError{
		Kind:       KindValidation,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewAuth reports an expired or invalid session.
func NewAuth(message string) *AppError {
	return &AppError{
		Kind:       KindAuth,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden reports a permission denial for an authenticated caller.
func NewForbidden(message string) *AppError {
	return &AppError{
		Kind:       KindAuth,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewNotFound reports a missing entity.
func NewNotFound(message string) *AppError {
	return &AppError{
		Kind:       KindNotFound,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// NewInternal wraps an unexpected failure with a generic client message.
func NewInternal(message string, err error) *AppError {
	return &AppError{
		Kind:       KindInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		err:        err,
	}
}
