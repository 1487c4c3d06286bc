// session.go

// Session resolution. Sessions are created by the login service that shares
// Postgres and Redis; this service only reads them.
package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/store"
)

// sessionCookieName is the login service's session cookie.
const sessionCookieName = "__Host-session"

// errNoSession means the request carries no valid session. Anything else from
// lookupSession is an infrastructure failure.
var errNoSession = errors.New("no valid session")

// sessionInfo is what handlers need to know about the signed-in user.
type sessionInfo struct {
	UserID    uuid.UUID
	TokenHash []byte
	CSRFToken []byte
	AuthTime  time.Time
}

// sessionKey hashes the raw cookie token into the Postgres lookup key and its
// base64 form, the Redis key suffix.
func sessionKey(rawToken []byte) ([]byte, string) {
	sum := sha256.Sum256(rawToken)
	return sum[:], base64.RawURLEncoding.EncodeToString(sum[:])
}

// lookupSession resolves the __Host-session cookie: Redis first, Postgres as
// fallback, repopulating the cache on a Postgres hit.
func (h *AuthHandler) lookupSession(r *http.Request) (*sessionInfo, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, errNoSession
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil, errNoSession
	}
	tokenHash, cacheKey := sessionKey(raw)

	// Redis fast path, TTL expiry already handles stale keys. Entries without
	// created_at cannot supply auth_time, so they go to Postgres.
	cached, err := h.RS.GetSession(r.Context(), cacheKey)
	if err == nil && time.Now().Before(cached.ExpiresAt) && !cached.CreatedAt.IsZero() {
		return &sessionInfo{
			UserID:    cached.UserID,
			TokenHash: tokenHash,
			CSRFToken: cached.CSRFToken,
			AuthTime:  cached.CreatedAt,
		}, nil
	}
	if err != nil && !errors.Is(err, store.ErrCacheMiss) {
		// Real Redis failure -- Postgres is the fallback but this warrants attention.
		logError(r, "redis session lookup failed, falling back to postgres", "error", err)
	}

	sess, err := h.PS.GetSessionByTokenHash(r.Context(), tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	// Repopulate cache, non-fatal on failure.
	if ttl := time.Until(sess.ExpiresAt); ttl > 0 {
		if err := h.RS.SetSession(r.Context(), cacheKey, store.CachedSession{
			UserID:    sess.UserID,
			CSRFToken: sess.CSRFToken,
			CreatedAt: sess.CreatedAt,
			ExpiresAt: sess.ExpiresAt,
		}, ttl); err != nil {
			logWarn(r, "failed to repopulate session cache", "error", err)
		}
	}

	return &sessionInfo{
		UserID:    sess.UserID,
		TokenHash: tokenHash,
		CSRFToken: sess.CSRFToken,
		AuthTime:  sess.CreatedAt,
	}, nil
}
