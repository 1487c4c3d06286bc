// handler.go -- AuthHandler and the collaborators every endpoint depends on.
package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/instrumentation"
	"github.com/MGallo-Code/obol/internal/keys"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"
	"github.com/MGallo-Code/obol/internal/token"
)

// SessionCache defines session cache operations needed by the session middleware.
// Satisfied by *store.RedisStore. Defined at the consumer.
type SessionCache interface {
	// GetSession retrieves cached session by token hash. Returns store.ErrCacheMiss on a miss.
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)

	// SetSession caches session with given TTL.
	SetSession(ctx context.Context, tokenHash string, sess store.CachedSession, ttl time.Duration) error

	CheckHealth(ctx context.Context) error
}

// Store defines database operations needed by handlers.
// Satisfied by *store.PostgresStore. Defined at the consumer.
type Store interface {
	// GetUserByID loads the claims subject. Returns store.ErrNotFound if missing.
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// GetSessionByTokenHash fetches a non-expired session. Returns store.ErrNotFound otherwise.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	// WriteAudit records one audit_logs row.
	WriteAudit(ctx context.Context, e store.AuditEntry) error

	CheckHealth(ctx context.Context) error
}

// Authorizer issues authorization codes. Satisfied by *oauth.Authorizer.
type Authorizer interface {
	Authorize(ctx context.Context, req oauth.AuthorizeRequest, userID uuid.UUID, authTime time.Time) (*oauth.Issued, error)
}

// Exchanger runs the token endpoint grants and revocation. Satisfied by *oauth.Exchanger.
type Exchanger interface {
	Exchange(ctx context.Context, req oauth.TokenRequest) (*oauth.Exchanged, error)
	Revoke(ctx context.Context, clientID, secret, value string) (*store.RefreshToken, error)
	RevokeUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

// AccessVerifier validates bearer access tokens. Satisfied by *token.Issuer.
type AccessVerifier interface {
	VerifyAccess(raw string) (*token.AccessClaims, error)
}

// KeyRing publishes the verification keys. Satisfied by *keys.Manager.
type KeyRing interface {
	PublicKeySet() jose.JSONWebKeySet
	Keys() []keys.KeyInfo
}

// ClientAdmin manages client registrations. Satisfied by *oauth.Registry.
type ClientAdmin interface {
	Register(ctx context.Context, reg oauth.ClientRegistration) (*store.Client, string, error)
	Resolve(ctx context.Context, clientID string) (*store.Client, error)
	Deactivate(ctx context.Context, clientID string) error
}

// HandlerConfig carries the settings handlers read at request time.
type HandlerConfig struct {
	// Issuer is the base URL every discovery endpoint is built from.
	Issuer string

	// LoginURL receives unauthenticated /authorize requests. Empty answers 401.
	LoginURL string

	// AdminToken guards /admin/*. Empty disables the admin API.
	AdminToken string

	PKCEAllowPlain bool
}

// AuthHandler holds dependencies for all HTTP handlers and middleware.
type AuthHandler struct {
	PS      Store
	RS      SessionCache
	Authz   Authorizer
	Tokens  Exchanger
	Access  AccessVerifier
	Keys    KeyRing
	Clients ClientAdmin
	Metrics *instrumentation.Metrics
	Limiter *IPRateLimiter

	// RotateKey generates, persists and activates a new signing key, returning its kid.
	RotateKey func() (string, error)

	Config HandlerConfig
}

// clientIP returns the caller's address without port.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// audit writes an audit row. Failures are logged and never fail the request.
func (h *AuthHandler) audit(r *http.Request, action string, userID uuid.UUID, clientID string, meta map[string]any) {
	entry := store.AuditEntry{Action: action}
	if userID != uuid.Nil {
		entry.UserID = &userID
	}
	if clientID != "" {
		entry.ClientID = &clientID
	}
	if ip := clientIP(r); net.ParseIP(ip) != nil {
		entry.IPAddress = &ip
	}
	if ua := r.UserAgent(); ua != "" {
		entry.UserAgent = &ua
	}
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err == nil {
			entry.Metadata = b
		}
	}
	if err := h.PS.WriteAudit(r.Context(), entry); err != nil {
		logWarn(r, "failed to write audit entry", "action", action, "error", err)
	}
}

// Audit actions.
const (
	auditCodeIssued        = "oauth.code_issued"
	auditCodeExchanged     = "oauth.code_exchanged"
	auditCodeReplay        = "oauth.code_replay"
	auditRefreshRotated    = "oauth.refresh_rotated"
	auditRefreshReuse      = "oauth.refresh_reuse"
	auditTokenRevoked      = "oauth.token_revoked"
	auditLogout            = "oauth.logout"
	auditClientRegistered  = "admin.client_registered"
	auditClientDeactivated = "admin.client_deactivated"
	auditKeyRotated        = "admin.key_rotated"
	auditUserRevoked       = "admin.user_revoked"
)
