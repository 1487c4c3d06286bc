// Package oauth is the authorization and token exchange engine: client registry,
// authorize request validation, and the authorization_code and refresh_token grants.
//
// errors.go -- OAuth error taxonomy (RFC 6749 §4.1.2.1, §5.2).
package oauth

import (
	"net/http"
	"net/url"
)

// Error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidRedirectURI      = "invalid_redirect_uri"
	CodeServerError             = "server_error"
)

// Error is an OAuth protocol error.
//
// Description is safe to show the caller; it never carries internal detail.
// The underlying cause (store sentinel, infrastructure error) is reachable via
// errors.Is / errors.As for logging, auditing and metrics.
//
// RedirectURI is set only for authorize errors that go back to a verified
// redirect URI; direct errors leave it empty.
type Error struct {
	Code        string
	Description string
	Status      int
	RedirectURI string
	State       string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.cause }

// Redirects reports whether the error is delivered to the client's redirect URI.
func (e *Error) Redirects() bool { return e.RedirectURI != "" }

// Location is the redirect target for a redirecting error:
// redirect_uri?error=...&error_description=...&state=...
func (e *Error) Location() string {
	return withQuery(e.RedirectURI, func(q url.Values) {
		q.Set("error", e.Code)
		if e.Description != "" {
			q.Set("error_description", e.Description)
		}
		if e.State != "" {
			q.Set("state", e.State)
		}
	})
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

// redirectTo turns e into a redirecting error for a verified URI.
func (e *Error) redirectTo(uri, state string) *Error {
	e.RedirectURI = uri
	e.State = state
	return e
}

// invalidGrantDescription is deliberately uniform so callers cannot tell
// an unknown token from a consumed, rotated, revoked or mismatched one.
const invalidGrantDescription = "the provided grant is invalid, expired, or revoked"

func InvalidRequest(desc string) *Error {
	return &Error{Code: CodeInvalidRequest, Description: desc, Status: http.StatusBadRequest}
}

func InvalidClient(cause error) *Error {
	return &Error{Code: CodeInvalidClient, Description: "client authentication failed", Status: http.StatusUnauthorized, cause: cause}
}

func InvalidGrant(cause error) *Error {
	return &Error{Code: CodeInvalidGrant, Description: invalidGrantDescription, Status: http.StatusBadRequest, cause: cause}
}

func UnauthorizedClient(desc string) *Error {
	return &Error{Code: CodeUnauthorizedClient, Description: desc, Status: http.StatusBadRequest}
}

func UnsupportedGrantType() *Error {
	return &Error{Code: CodeUnsupportedGrantType, Description: "grant_type must be authorization_code or refresh_token", Status: http.StatusBadRequest}
}

func UnsupportedResponseType() *Error {
	return &Error{Code: CodeUnsupportedResponseType, Description: "response_type must be code", Status: http.StatusBadRequest}
}

func InvalidScope(desc string) *Error {
	return &Error{Code: CodeInvalidScope, Description: desc, Status: http.StatusBadRequest}
}

func InvalidRedirectURI() *Error {
	return &Error{Code: CodeInvalidRedirectURI, Description: "redirect_uri is not registered for this client", Status: http.StatusBadRequest}
}

// ServerError hides cause from the caller; the handler logs it.
func ServerError(cause error) *Error {
	return &Error{Code: CodeServerError, Description: "internal server error", Status: http.StatusInternalServerError, cause: cause}
}

// withQuery parses raw, lets set modify its query, and re-encodes it.
// Existing query parameters on raw are preserved.
func withQuery(raw string, set func(url.Values)) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	set(q)
	u.RawQuery = q.Encode()
	return u.String()
}
