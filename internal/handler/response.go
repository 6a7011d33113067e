package handler

// Response helpers. The error body shape lives in internal/httputil so the
// middleware that answers before a handler runs writes the same JSON.

import (
	"errors"
	"net/http"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/httputil"
)

// ErrorResponse is the standard error body.
type ErrorResponse = httputil.ErrorBody

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// errorMapping pairs a sentinel with its HTTP status and stable code. Order
// matters: the first match wins. A non-empty message replaces the error's
// own text, which for server-side failures carries internal identifiers.
var errorMapping = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{apperror.ErrMissingField, http.StatusBadRequest, "missing_field", ""},
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error", ""},
	{apperror.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature", ""},
	{apperror.ErrExpired, http.StatusUnauthorized, "expired", ""},
	{apperror.ErrReplayed, http.StatusUnauthorized, "replayed", ""},
	{apperror.ErrTokenMalformed, http.StatusUnauthorized, "token_malformed", ""},
	{apperror.ErrUnauthorized, http.StatusUnauthorized, "unauthorized", ""},
	{apperror.ErrForbidden, http.StatusForbidden, "forbidden", ""},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found", ""},
	{apperror.ErrResolutionConflict, http.StatusInternalServerError, "resolution_conflict",
		"account could not be resolved"},
	{apperror.ErrConflict, http.StatusConflict, "conflict", ""},
	{apperror.ErrStoreUnavailable, http.StatusInternalServerError, "store_unavailable",
		"a backing service is unavailable, try again"},
}

// writeError maps a domain error to a status code and writes the standard
// body. Unknown errors become a generic 500; their text never reaches the
// client.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, m := range errorMapping {
			if !errors.Is(err, m.target) {
				continue
			}
			body := ErrorResponse{Error: m.code, Message: appErr.Message, Field: appErr.Field}
			if m.message != "" {
				body.Message = m.message
				body.Field = ""
			}
			writeJSON(w, m.status, body)
			return
		}
	}

	httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
}
