// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (codes + session cache).
package store

import (
	"errors"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrNotFound is returned by single-row lookups (users, sessions) when no row matches.
var ErrNotFound = errors.New("not found")

// ErrClientNotFound is returned by GetClient for unknown client_ids.
var ErrClientNotFound = errors.New("client not found")

// Authorization code failures. All surface as invalid_grant.
var (
	ErrCodeNotFound = errors.New("authorization code not found or expired")
	ErrCodeConsumed = errors.New("authorization code already consumed")
)

// Refresh token rotation failures. All surface as invalid_grant.
var (
	ErrRefreshNotFound = errors.New("refresh token not found")
	ErrRefreshRevoked  = errors.New("refresh token revoked")
	ErrRefreshExpired  = errors.New("refresh token expired")
	ErrRefreshReused   = errors.New("refresh token reused")
)

// ConsumedCodeError is returned by ConsumeCode when the code was already exchanged.
// FamilyID is the refresh family minted from the first exchange, uuid.Nil if none was recorded.
type ConsumedCodeError struct {
	ClientID string
	UserID   uuid.UUID
	FamilyID uuid.UUID
}

func (e *ConsumedCodeError) Error() string { return ErrCodeConsumed.Error() }
func (e *ConsumedCodeError) Unwrap() error { return ErrCodeConsumed }

// ReuseError is returned by RotateRefreshToken when an already-rotated token is presented.
// By the time it is returned the whole family has been revoked.
type ReuseError struct {
	FamilyID uuid.UUID
	UserID   uuid.UUID
	Revoked  int64
}

func (e *ReuseError) Error() string { return ErrRefreshReused.Error() }
func (e *ReuseError) Unwrap() error { return ErrRefreshReused }

// Client types.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client represents a row in the clients table.
// SecretHash is nil for public clients.
type Client struct {
	ID           string
	SecretHash   *string
	Type         string
	Name         string
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsPublic reports whether the client cannot hold a secret.
func (c *Client) IsPublic() bool { return c.Type == ClientTypePublic }

// HasGrant reports whether grant is registered for the client.
func (c *Client) HasGrant(grant string) bool { return slices.Contains(c.GrantTypes, grant) }

// User represents a row in the users table.
// Nullable columns are pointers -- nil means SQL NULL.
type User struct {
	ID               uuid.UUID
	Email            *string
	EmailConfirmedAt *time.Time
	Phone            *string
	PhoneConfirmedAt *time.Time
	FirstName        *string
	LastName         *string
	Username         *string
	AvatarURL        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session represents a row in the sessions table.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	CSRFToken []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation -- full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	CSRFToken []byte    `json:"csrf_token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CodeBinding is everything an authorization code stands for.
// Stored in Redis as a hash; the code itself is only ever a key (hashed).
type CodeBinding struct {
	ClientID            string
	UserID              uuid.UUID
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	ExpiresAt           time.Time
}

// RefreshToken represents a row in the refresh_tokens table.
// ParentID is nil for the family root. RotatedAt and RevokedAt are nil while live.
type RefreshToken struct {
	ID        uuid.UUID
	TokenHash []byte
	FamilyID  uuid.UUID
	ParentID  *uuid.UUID
	UserID    uuid.UUID
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RotatedAt *time.Time
	RevokedAt *time.Time
}

// AuditEntry represents a row in the audit_logs table.
// UserID and ClientID are nil when the event is not tied to one.
// IPAddress and UserAgent are nil for server-side or admin-triggered events.
// Metadata holds optional event context as a raw JSON blob (e.g. family_id, kid).
type AuditEntry struct {
	UserID    *uuid.UUID
	ClientID  *string
	Action    string
	IPAddress *string
	UserAgent *string
	Metadata  []byte
}
