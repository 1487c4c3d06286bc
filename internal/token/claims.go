// Package token mints and verifies the tokens handed to clients.
//
// claims.go -- One typed claim struct per token type. Claims are assembled
// once from validated inputs, never from an open-ended map.
package token

import (
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/MGallo-Code/obol/internal/store"
)

// Token type claim values. A token is only accepted where its type matches.
const (
	TypeAccess = "access"
	TypeID     = "id"
)

// Scopes that unlock profile claims.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopePhone   = "phone"
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	jwt.Claims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	Type     string `json:"type"`
}

// Scopes splits the scope claim.
func (c *AccessClaims) Scopes() []string { return strings.Fields(c.Scope) }

// IDClaims is the payload of an OIDC ID token.
type IDClaims struct {
	jwt.Claims
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
	Nonce    string           `json:"nonce,omitempty"`
	Type     string           `json:"type"`
	Profile
}

// Profile holds the standard OIDC user claims. Which of them are set depends on scope.
type Profile struct {
	Email               string `json:"email,omitempty"`
	EmailVerified       *bool  `json:"email_verified,omitempty"`
	Name                string `json:"name,omitempty"`
	GivenName           string `json:"given_name,omitempty"`
	FamilyName          string `json:"family_name,omitempty"`
	PreferredUsername   string `json:"preferred_username,omitempty"`
	Picture             string `json:"picture,omitempty"`
	PhoneNumber         string `json:"phone_number,omitempty"`
	PhoneNumberVerified *bool  `json:"phone_number_verified,omitempty"`
}

// UserInfo is the /userinfo response body.
type UserInfo struct {
	Subject string `json:"sub"`
	Profile
}

// ProfileClaims returns the claims of u that scope grants.
// email -> email, email_verified; profile -> names, username, picture; phone -> phone_number(_verified).
func ProfileClaims(u *store.User, scope string) Profile {
	var p Profile
	if u == nil {
		return p
	}
	scopes := strings.Fields(scope)

	if slices.Contains(scopes, ScopeEmail) && u.Email != nil {
		p.Email = *u.Email
		verified := u.EmailConfirmedAt != nil
		p.EmailVerified = &verified
	}
	if slices.Contains(scopes, ScopeProfile) {
		first, last := deref(u.FirstName), deref(u.LastName)
		p.GivenName = first
		p.FamilyName = last
		p.Name = strings.TrimSpace(first + " " + last)
		p.PreferredUsername = deref(u.Username)
		p.Picture = deref(u.AvatarURL)
	}
	if slices.Contains(scopes, ScopePhone) && u.Phone != nil {
		p.PhoneNumber = *u.Phone
		verified := u.PhoneConfirmedAt != nil
		p.PhoneNumberVerified = &verified
	}
	return p
}

// SupportedClaims is advertised in discovery.
var SupportedClaims = []string{
	"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
	"email", "email_verified",
	"name", "given_name", "family_name", "preferred_username", "picture",
	"phone_number", "phone_number_verified",
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
