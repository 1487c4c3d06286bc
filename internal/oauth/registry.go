// registry.go -- Client Registry: resolution, authentication and per-client policy.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/MGallo-Code/obol/internal/store"
)

// Registry failures. Surfaced as invalid_client / invalid_scope by the engines.
var (
	ErrBadClientSecret  = errors.New("client secret mismatch")
	ErrUnexpectedSecret = errors.New("public client presented a secret")
	ErrMissingSecret    = errors.New("confidential client presented no secret")
	ErrScopeNotAllowed  = errors.New("scope not allowed for client")
)

// ErrInvalidRegistration wraps every client registration validation failure.
var ErrInvalidRegistration = errors.New("invalid client registration")

// ClientStore is the durable store for registered clients.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type ClientStore interface {
	CreateClient(ctx context.Context, c *store.Client) error
	GetClient(ctx context.Context, clientID string) (*store.Client, error)
	DeactivateClient(ctx context.Context, clientID string) error
}

// Registry validates clients and their redirect URIs, grants and scopes.
type Registry struct {
	clients ClientStore
}

// NewRegistry returns a Registry over clients.
func NewRegistry(clients ClientStore) *Registry {
	return &Registry{clients: clients}
}

// Resolve returns the active client with id clientID.
// Unknown and inactive clients both return store.ErrClientNotFound.
func (r *Registry) Resolve(ctx context.Context, clientID string) (*store.Client, error) {
	if clientID == "" {
		return nil, store.ErrClientNotFound
	}
	c, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, store.ErrClientNotFound
	}
	return c, nil
}

// Authenticate resolves clientID and checks secret.
//
// Confidential clients must present their secret. Public clients must not
// present one at all. Unknown clients still pay for one hash verification.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*store.Client, error) {
	c, err := r.Resolve(ctx, clientID)
	if errors.Is(err, store.ErrClientNotFound) {
		VerifySecret(secret, dummySecretHash)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("resolving client: %w", err)
	}

	if c.IsPublic() {
		if secret != "" {
			return nil, ErrUnexpectedSecret
		}
		return c, nil
	}

	if secret == "" || c.SecretHash == nil {
		return nil, ErrMissingSecret
	}
	ok, err := VerifySecret(secret, *c.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("verifying client secret: %w", err)
	}
	if !ok {
		return nil, ErrBadClientSecret
	}
	return c, nil
}

// ValidateRedirect reports whether uri exactly matches a registered redirect URI.
func (r *Registry) ValidateRedirect(c *store.Client, uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// ValidateGrant reports whether c may use grant.
func (r *Registry) ValidateGrant(c *store.Client, grant string) bool {
	return c.HasGrant(grant)
}

// ValidateScope intersects requested with c's registered scopes, in registered order.
//
// Unknown scopes are dropped. An empty request grants every registered scope.
// Requesting openid without it being registered, or ending with nothing, is ErrScopeNotAllowed.
func (r *Registry) ValidateScope(c *store.Client, requested string) ([]string, error) {
	want := parseScope(requested)
	if len(want) == 0 {
		if len(c.Scopes) == 0 {
			return nil, ErrScopeNotAllowed
		}
		return slices.Clone(c.Scopes), nil
	}
	if slices.Contains(want, "openid") && !slices.Contains(c.Scopes, "openid") {
		return nil, fmt.Errorf("%w: openid", ErrScopeNotAllowed)
	}

	var granted []string
	for _, s := range c.Scopes {
		if slices.Contains(want, s) {
			granted = append(granted, s)
		}
	}
	if len(granted) == 0 {
		return nil, ErrScopeNotAllowed
	}
	return granted, nil
}

// ClientRegistration is the admin input for a new client.
type ClientRegistration struct {
	Name         string   `json:"name"`
	Type         string   `json:"client_type"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes"`
}

// Register validates reg and stores a new client.
// For confidential clients the plaintext secret is returned once and never stored.
func (r *Registry) Register(ctx context.Context, reg ClientRegistration) (*store.Client, string, error) {
	if err := validateRegistration(&reg); err != nil {
		return nil, "", err
	}

	id, err := generateClientID()
	if err != nil {
		return nil, "", err
	}
	c := &store.Client{
		ID:           id,
		Type:         reg.Type,
		Name:         reg.Name,
		RedirectURIs: reg.RedirectURIs,
		GrantTypes:   reg.GrantTypes,
		Scopes:       reg.Scopes,
		IsActive:     true,
	}

	var secret string
	if reg.Type == store.ClientTypeConfidential {
		secret, err = generateSecret()
		if err != nil {
			return nil, "", err
		}
		hash, err := HashSecret(secret)
		if err != nil {
			return nil, "", fmt.Errorf("hashing client secret: %w", err)
		}
		c.SecretHash = &hash
	}

	if err := r.clients.CreateClient(ctx, c); err != nil {
		return nil, "", fmt.Errorf("registering client: %w", err)
	}
	return c, secret, nil
}

// Deactivate disables a client and revokes its refresh tokens.
func (r *Registry) Deactivate(ctx context.Context, clientID string) error {
	return r.clients.DeactivateClient(ctx, clientID)
}

// validateRegistration fills defaults and checks reg against the supported vocabulary.
func validateRegistration(reg *ClientRegistration) error {
	if reg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	switch reg.Type {
	case store.ClientTypePublic, store.ClientTypeConfidential:
	case "":
		reg.Type = store.ClientTypeConfidential
	default:
		return fmt.Errorf("%w: client_type must be public or confidential", ErrInvalidRegistration)
	}

	if len(reg.RedirectURIs) == 0 {
		return fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidRegistration)
	}
	for _, raw := range reg.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
		}
	}

	if len(reg.GrantTypes) == 0 {
		reg.GrantTypes = slices.Clone(SupportedGrants)
	}
	for _, g := range reg.GrantTypes {
		if !slices.Contains(SupportedGrants, g) {
			return fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidRegistration, g)
		}
	}

	if len(reg.Scopes) == 0 {
		reg.Scopes = slices.Clone(DefaultScopes)
	}
	for _, s := range reg.Scopes {
		if !slices.Contains(SupportedScopes, s) {
			return fmt.Errorf("%w: unsupported scope %q", ErrInvalidRegistration, s)
		}
	}

	reg.RedirectURIs = dedupe(reg.RedirectURIs)
	reg.GrantTypes = dedupe(reg.GrantTypes)
	reg.Scopes = dedupe(reg.Scopes)
	return nil
}

// validateRedirectURI requires an absolute http(s) URI without a fragment.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri %q is not a valid URI", raw)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("redirect_uri %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("redirect_uri %q must be absolute", raw)
	}
	if strings.Contains(raw, "#") {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}
	return nil
}

func dedupe(in []string) []string {
	var out []string
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
