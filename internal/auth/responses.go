// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. OAuth endpoints answer with the
// RFC 6749 error shape; everything else uses {"message": ...}.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/obol/internal/oauth"
)

// oauthErrorBody is the RFC 6749 §5.2 error response.
type oauthErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOAuthError renders e as a direct (non-redirect) error.
// server_error causes are logged here and never reach the body.
func writeOAuthError(w http.ResponseWriter, r *http.Request, e *oauth.Error) {
	writeOAuthErrorStatus(w, r, e, e.Status)
}

func writeOAuthErrorStatus(w http.ResponseWriter, r *http.Request, e *oauth.Error, status int) {
	if e.Code == oauth.CodeServerError {
		logError(r, "internal server error", "error", e)
	}
	writeJSON(w, status, oauthErrorBody{Error: e.Code, Description: e.Description})
}

// asOAuthError unwraps err to *oauth.Error, treating anything else as server_error.
func asOAuthError(err error) *oauth.Error {
	var oe *oauth.Error
	if errors.As(err, &oe) {
		return oe
	}
	return oauth.ServerError(err)
}

// noStore marks a response as carrying credentials (RFC 6749 §5.1).
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeJSON(w, http.StatusInternalServerError, messageBody{"internal server error"})
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, messageBody{message})
}

// Unauthorized returns a 401 JSON response with a generic message.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusUnauthorized, messageBody{message})
}

// Forbidden returns a 403 JSON response with a generic message.
// Intentionally vague, avoids leaking which validation stage failed.
func Forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, messageBody{"forbidden"})
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, messageBody{"not found"})
}
