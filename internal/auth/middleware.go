// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const (
	userIDKey    contextKey = "user_id"
	tokenHashKey contextKey = "token_hash"
	csrfTokenKey contextKey = "csrf_token"
	authTimeKey  contextKey = "auth_time"
)

// UserIDFromContext retrieves authenticated user's ID from context.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// TokenHashFromContext retrieves session token hash from context.
// Returns nil and false if RequireAuth hasn't run.
func TokenHashFromContext(ctx context.Context) ([]byte, bool) {
	hash, ok := ctx.Value(tokenHashKey).([]byte)
	return hash, ok
}

// CSRFTokenFromContext retrieves session CSRF token from context.
// Returns nil and false if RequireAuth hasn't run.
func CSRFTokenFromContext(ctx context.Context) ([]byte, bool) {
	token, ok := ctx.Value(csrfTokenKey).([]byte)
	return token, ok
}

// AuthTimeFromContext retrieves when the session was established.
func AuthTimeFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(authTimeKey).(time.Time)
	return t, ok
}

// withSession injects the resolved session into ctx.
func withSession(ctx context.Context, s *sessionInfo) context.Context {
	ctx = context.WithValue(ctx, userIDKey, s.UserID)
	ctx = context.WithValue(ctx, tokenHashKey, s.TokenHash)
	ctx = context.WithValue(ctx, csrfTokenKey, s.CSRFToken)
	return context.WithValue(ctx, authTimeKey, s.AuthTime)
}

// RequireAuth validates the session cookie, checking Redis then Postgres as fallback.
// Injects user_id, token_hash, csrf_token and auth_time into context on success; returns 401 on failure.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := h.lookupSession(r)
		if err != nil {
			if errors.Is(err, errNoSession) {
				logWarn(r, "require auth failed", "reason", "no_session")
			} else {
				logError(r, "require auth failed fetching session", "error", err)
			}
			Unauthorized(w, r, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
	})
}
