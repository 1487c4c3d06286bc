// issuer.go -- Token Issuer: access + ID tokens via the key manager, opaque refresh tokens.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/store"
)

// Leeway is the clock skew tolerated when checking exp and iat.
const Leeway = 30 * time.Second

// refreshBytes is the entropy of an opaque refresh token.
const refreshBytes = 32

// ErrInvalidToken covers every reason an access token is refused.
var ErrInvalidToken = errors.New("invalid access token")

// Signer is the subset of the key manager used here.
// Satisfied by *keys.Manager -- defined here (at consumer) per Go convention.
type Signer interface {
	Sign(claims ...any) (string, error)
	Verify(token string, out ...any) error
}

// Config holds the issuer identifier and token lifetimes.
type Config struct {
	Issuer     string
	AccessTTL  time.Duration
	IDTTL      time.Duration
	RefreshTTL time.Duration
}

// Grant is the validated input for one issuance.
type Grant struct {
	User     *store.User
	ClientID string
	Scope    string
	Nonce    string
	AuthTime time.Time
}

// Refresh is an opaque refresh token. Only Hash is ever stored.
type Refresh struct {
	Value     string
	Hash      []byte
	ExpiresAt time.Time
}

// Set is the token endpoint success body.
type Set struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// Issuer mints tokens. Safe for concurrent use.
type Issuer struct {
	signer Signer
	cfg    Config
	now    func() time.Time
}

// NewIssuer returns an Issuer signing through signer.
func NewIssuer(signer Signer, cfg Config) *Issuer {
	return &Issuer{signer: signer, cfg: cfg, now: time.Now}
}

// NewRefresh generates a refresh token value and its ledger hash.
func (i *Issuer) NewRefresh() (Refresh, error) {
	buf := make([]byte, refreshBytes)
	if _, err := rand.Read(buf); err != nil {
		return Refresh{}, fmt.Errorf("generating refresh token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)
	return Refresh{
		Value:     value,
		Hash:      HashRefresh(value),
		ExpiresAt: i.now().Add(i.cfg.RefreshTTL),
	}, nil
}

// HashRefresh is the ledger key for a refresh token value.
func HashRefresh(value string) []byte {
	sum := sha256.Sum256([]byte(value))
	return sum[:]
}

// Issue signs an access token, and an ID token when scope contains openid,
// and packages them with refresh (which the caller has already recorded).
func (i *Issuer) Issue(g Grant, refresh Refresh) (*Set, error) {
	if g.User == nil {
		return nil, fmt.Errorf("issuing tokens: no user")
	}
	now := i.now()
	sub := g.User.ID.String()

	jti, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating jti: %w", err)
	}
	access := AccessClaims{
		Claims: jwt.Claims{
			ID:       jti.String(),
			Issuer:   i.cfg.Issuer,
			Subject:  sub,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(i.cfg.AccessTTL)),
		},
		ClientID: g.ClientID,
		Scope:    g.Scope,
		Type:     TypeAccess,
	}
	accessToken, err := i.signer.Sign(access)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	set := &Set{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(i.cfg.AccessTTL.Seconds()),
		RefreshToken: refresh.Value,
		Scope:        g.Scope,
	}

	if !slices.Contains(strings.Fields(g.Scope), ScopeOpenID) {
		return set, nil
	}

	id := IDClaims{
		Claims: jwt.Claims{
			Issuer:   i.cfg.Issuer,
			Subject:  sub,
			Audience: jwt.Audience{g.ClientID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(i.cfg.IDTTL)),
		},
		Nonce:   g.Nonce,
		Type:    TypeID,
		Profile: ProfileClaims(g.User, g.Scope),
	}
	if !g.AuthTime.IsZero() {
		id.AuthTime = jwt.NewNumericDate(g.AuthTime)
	}
	set.IDToken, err = i.signer.Sign(id)
	if err != nil {
		return nil, fmt.Errorf("signing id token: %w", err)
	}
	return set, nil
}

// VerifyAccess checks signature, issuer, expiry and type of an access token.
// Every failure wraps ErrInvalidToken.
func (i *Issuer) VerifyAccess(raw string) (*AccessClaims, error) {
	var c AccessClaims
	if err := i.signer.Verify(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if err := c.ValidateWithLeeway(jwt.Expected{Issuer: i.cfg.Issuer, Time: i.now()}, Leeway); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Expiry == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	if c.Type != TypeAccess {
		return nil, fmt.Errorf("%w: wrong token type %q", ErrInvalidToken, c.Type)
	}
	return &c, nil
}
