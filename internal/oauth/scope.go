// scope.go -- Scope, grant and redirect URI vocabulary.
package oauth

import "strings"

// Grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// SupportedGrants are the grant types a client may register.
var SupportedGrants = []string{GrantAuthorizationCode, GrantRefreshToken}

// SupportedScopes are the scopes a client may register.
var SupportedScopes = []string{"openid", "profile", "email", "phone"}

// DefaultScopes are registered when a client names none.
var DefaultScopes = []string{"openid", "profile", "email"}

// parseScope splits a space-delimited scope string, dropping duplicates.
func parseScope(s string) []string {
	return dedupe(strings.Fields(s))
}
