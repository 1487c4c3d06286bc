// discovery_handler.go -- GET /jwks and GET /.well-known/openid-configuration.
package auth

import (
	"net/http"

	"github.com/MGallo-Code/obol/internal/keys"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/token"
)

// Endpoint paths, relative to the issuer.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathUserInfo  = "/userinfo"
	PathJWKS      = "/jwks"
	PathRevoke    = "/revoke"
	PathDiscovery = "/.well-known/openid-configuration"
)

// publicCache marks a response as shareable for an hour.
func publicCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// JWKS handles GET /jwks: active key first, then retiring keys newest first.
func (h *AuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	publicCache(w)
	writeJSON(w, http.StatusOK, h.Keys.PublicKeySet())
}

// providerMetadata is the OIDC Discovery 1.0 document.
type providerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// metadata builds the discovery document from the handler config.
func (h *AuthHandler) metadata() providerMetadata {
	iss := h.Config.Issuer
	pkce := []string{oauth.MethodS256}
	if h.Config.PKCEAllowPlain {
		pkce = append(pkce, oauth.MethodPlain)
	}
	return providerMetadata{
		Issuer:                            iss,
		AuthorizationEndpoint:             iss + PathAuthorize,
		TokenEndpoint:                     iss + PathToken,
		UserInfoEndpoint:                  iss + PathUserInfo,
		JWKSURI:                           iss + PathJWKS,
		RevocationEndpoint:                iss + PathRevoke,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               oauth.SupportedGrants,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{string(keys.Algorithm)},
		ScopesSupported:                   oauth.SupportedScopes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		ClaimsSupported:                   token.SupportedClaims,
		CodeChallengeMethodsSupported:     pkce,
	}
}

// Discovery handles GET /.well-known/openid-configuration.
func (h *AuthHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	publicCache(w)
	writeJSON(w, http.StatusOK, h.metadata())
}
