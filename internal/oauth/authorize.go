// authorize.go -- Authorization Engine: validates /authorize requests and mints codes.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/store"
)

// codeBytes is the entropy of an authorization code.
const codeBytes = 32

// CodeStore holds pending authorization codes.
// Satisfied by *store.RedisStore -- defined here (at consumer) per Go convention.
type CodeStore interface {
	IssueCode(ctx context.Context, code string, b store.CodeBinding, ttl time.Duration) error
	ConsumeCode(ctx context.Context, code string, familyID uuid.UUID) (*store.CodeBinding, error)
	CodeReplayed(ctx context.Context, code string) (bool, error)
}

// AuthorizeRequest is the parsed /authorize query.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// AuthorizeConfig tunes the engine.
type AuthorizeConfig struct {
	CodeTTL        time.Duration
	PKCEAllowPlain bool
}

// Authorizer validates authorize requests and issues codes. Safe for concurrent use.
type Authorizer struct {
	registry *Registry
	codes    CodeStore
	cfg      AuthorizeConfig
	now      func() time.Time
}

// NewAuthorizer returns an Authorizer issuing codes into codes.
func NewAuthorizer(registry *Registry, codes CodeStore, cfg AuthorizeConfig) *Authorizer {
	return &Authorizer{registry: registry, codes: codes, cfg: cfg, now: time.Now}
}

// Issued describes a successful authorization.
type Issued struct {
	Location string // redirect_uri with code and state
	Client   *store.Client
	Scope    string
}

// Authorize validates req on behalf of the already-authenticated userID and,
// on success, returns the redirect carrying a fresh code.
//
// Errors are *Error. invalid_client and invalid_redirect_uri are direct (no
// redirect target, the URI is unverified); every later failure redirects to
// the verified URI.
func (a *Authorizer) Authorize(ctx context.Context, req AuthorizeRequest, userID uuid.UUID, authTime time.Time) (*Issued, error) {
	client, err := a.registry.Resolve(ctx, req.ClientID)
	if errors.Is(err, store.ErrClientNotFound) {
		return nil, InvalidClient(err)
	}
	if err != nil {
		return nil, ServerError(fmt.Errorf("resolving client: %w", err))
	}

	// An omitted redirect_uri is allowed only when exactly one is registered.
	// The bound value stays empty so the token request must omit it too.
	redirectTo := req.RedirectURI
	if redirectTo == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, InvalidRedirectURI()
		}
		redirectTo = client.RedirectURIs[0]
	} else if !a.registry.ValidateRedirect(client, req.RedirectURI) {
		return nil, InvalidRedirectURI()
	}

	fail := func(e *Error) (*Issued, error) {
		return nil, e.redirectTo(redirectTo, req.State)
	}

	if req.ResponseType != "code" {
		return fail(UnsupportedResponseType())
	}
	if !a.registry.ValidateGrant(client, GrantAuthorizationCode) {
		return fail(UnauthorizedClient("client may not use the authorization_code grant"))
	}

	scopes, err := a.registry.ValidateScope(client, req.Scope)
	if err != nil {
		return fail(InvalidScope("requested scope is not allowed for this client").withCause(err))
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" {
		if method == "" {
			method = MethodPlain
		}
		switch {
		case method == MethodS256:
		case method == MethodPlain && a.cfg.PKCEAllowPlain:
		default:
			return fail(InvalidRequest("code_challenge_method must be S256"))
		}
		if !validPKCEString(req.CodeChallenge) {
			return fail(InvalidRequest("code_challenge is malformed"))
		}
	} else {
		if method != "" {
			return fail(InvalidRequest("code_challenge_method without code_challenge"))
		}
		if client.IsPublic() {
			return fail(InvalidRequest("code_challenge is required for public clients"))
		}
	}

	code, err := newCode()
	if err != nil {
		return fail(ServerError(err))
	}
	scope := strings.Join(scopes, " ")
	now := a.now()
	binding := store.CodeBinding{
		ClientID:            client.ID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               req.Nonce,
		AuthTime:            authTime,
		ExpiresAt:           now.Add(a.cfg.CodeTTL),
	}
	if err := a.codes.IssueCode(ctx, code, binding, a.cfg.CodeTTL); err != nil {
		return fail(ServerError(err))
	}

	location := withQuery(redirectTo, func(q url.Values) {
		q.Set("code", code)
		if req.State != "" {
			q.Set("state", req.State)
		}
	})
	return &Issued{Location: location, Client: client, Scope: scope}, nil
}

func newCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating authorization code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
