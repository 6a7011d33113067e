// Package apperror defines the domain error taxonomy shared by the service,
// auth and handler layers.
//
// Every error the core can surface wraps one of the sentinel values below, so
// callers match with errors.Is and never compare message strings. The HTTP
// layer (handler/response.go) is the only place that turns a sentinel into a
// status code and a stable machine-readable error code.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")

	// Identity verification and session lifecycle.
	ErrMissingField       = errors.New("missing field")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrExpired            = errors.New("expired")
	ErrReplayed           = errors.New("replayed")
	ErrResolutionConflict = errors.New("resolution conflict")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrTokenMalformed     = errors.New("token malformed")
	ErrUnauthorized       = errors.New("unauthorized")
)

type AppError struct {
	Err     error  // sentinel from the list above
	Message string // human-readable error message
	Field   string // optional: field causing the error
	Cause   error  // optional: underlying error, kept for logs only
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// MissingField reports a required assertion field that was absent or empty.
func MissingField(field string) *AppError {
	return &AppError{
		Err:     ErrMissingField,
		Message: fmt.Sprintf("required field %q is missing", field),
		Field:   field,
	}
}

func InvalidSignature() *AppError {
	return &AppError{
		Err:     ErrInvalidSignature,
		Message: "payload signature does not match",
		Field:   "hash",
	}
}

// Expired is used both for stale identity assertions and for session
// credentials past their exp claim.
func Expired(what string) *AppError {
	return &AppError{
		Err:     ErrExpired,
		Message: fmt.Sprintf("%s has expired", what),
	}
}

func Replayed() *AppError {
	return &AppError{
		Err:     ErrReplayed,
		Message: "payload has already been used",
	}
}

// ResolutionConflict signals a data-integrity violation: one external id is
// mapped to more than one identity record. It is never repaired automatically.
func ResolutionConflict(message string) *AppError {
	return &AppError{
		Err:     ErrResolutionConflict,
		Message: message,
	}
}

// StoreUnavailable wraps a failure of the account store or the external
// identity subsystem. The cause is kept for logging; clients only see Message.
func StoreUnavailable(store string, cause error) *AppError {
	return &AppError{
		Err:     ErrStoreUnavailable,
		Message: fmt.Sprintf("%s unavailable", store),
		Cause:   cause,
	}
}

func TokenMalformed(cause error) *AppError {
	return &AppError{
		Err:     ErrTokenMalformed,
		Message: "session token is malformed",
		Cause:   cause,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}
