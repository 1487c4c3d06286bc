// exchange.go -- Token Exchange Engine: authorization_code and refresh_token grants, revocation.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/store"
	"github.com/MGallo-Code/obol/internal/token"
)

// ErrPKCEMismatch marks a code exchange whose verifier does not match the bound challenge.
var ErrPKCEMismatch = errors.New("code_verifier mismatch")

// Ledger is the durable refresh token record.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type Ledger interface {
	CreateRefreshToken(ctx context.Context, t *store.RefreshToken) error
	RotateRefreshToken(ctx context.Context, tokenHash []byte, clientID string, child *store.RefreshToken) (*store.RefreshToken, error)
	GetRefreshToken(ctx context.Context, tokenHash []byte) (*store.RefreshToken, error)
	RevokeFamily(ctx context.Context, familyID uuid.UUID) (int64, error)
	RevokeUserTokens(ctx context.Context, userID uuid.UUID) (int64, error)
}

// UserStore yields the claims subject for issued tokens.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type UserStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
}

// TokenIssuer mints token sets.
// Satisfied by *token.Issuer -- defined here (at consumer) per Go convention.
type TokenIssuer interface {
	NewRefresh() (token.Refresh, error)
	Issue(g token.Grant, refresh token.Refresh) (*token.Set, error)
}

// TokenRequest is the parsed /token form plus resolved client credentials.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
}

// Exchanged describes a successful grant.
type Exchanged struct {
	Tokens   *token.Set
	Client   *store.Client
	UserID   uuid.UUID
	FamilyID uuid.UUID // uuid.Nil when no refresh token was issued
}

// Exchanger runs the token endpoint grants. Safe for concurrent use.
type Exchanger struct {
	registry *Registry
	codes    CodeStore
	ledger   Ledger
	users    UserStore
	issuer   TokenIssuer
}

// NewExchanger wires the grant engine to its collaborators.
func NewExchanger(registry *Registry, codes CodeStore, ledger Ledger, users UserStore, issuer TokenIssuer) *Exchanger {
	return &Exchanger{registry: registry, codes: codes, ledger: ledger, users: users, issuer: issuer}
}

// Exchange authenticates the client and runs the requested grant.
// Errors are *Error; no partial token set is ever returned.
func (x *Exchanger) Exchange(ctx context.Context, req TokenRequest) (*Exchanged, error) {
	switch req.GrantType {
	case GrantAuthorizationCode, GrantRefreshToken:
	case "":
		return nil, InvalidRequest("grant_type is required")
	default:
		return nil, UnsupportedGrantType()
	}

	client, err := x.authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !x.registry.ValidateGrant(client, req.GrantType) {
		return nil, UnauthorizedClient("client may not use the " + req.GrantType + " grant")
	}

	if req.GrantType == GrantAuthorizationCode {
		return x.exchangeCode(ctx, client, req)
	}
	return x.rotateRefresh(ctx, client, req)
}

func (x *Exchanger) authenticate(ctx context.Context, clientID, secret string) (*store.Client, *Error) {
	if clientID == "" {
		return nil, InvalidClient(store.ErrClientNotFound)
	}
	client, err := x.registry.Authenticate(ctx, clientID, secret)
	switch {
	case err == nil:
		return client, nil
	case errors.Is(err, store.ErrClientNotFound),
		errors.Is(err, ErrBadClientSecret),
		errors.Is(err, ErrMissingSecret),
		errors.Is(err, ErrUnexpectedSecret):
		return nil, InvalidClient(err)
	default:
		return nil, ServerError(err)
	}
}

func (x *Exchanger) exchangeCode(ctx context.Context, client *store.Client, req TokenRequest) (*Exchanged, error) {
	if req.Code == "" {
		return nil, InvalidRequest("code is required")
	}

	// The family id is fixed before consuming, so a replay racing this
	// exchange already knows which family to revoke.
	var familyID uuid.UUID
	if client.HasGrant(GrantRefreshToken) {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, ServerError(fmt.Errorf("generating family id: %w", err))
		}
		familyID = id
	}

	// From here on the code is spent, whatever happens next.
	binding, err := x.codes.ConsumeCode(ctx, req.Code, familyID)
	if err != nil {
		var replay *store.ConsumedCodeError
		switch {
		case errors.As(err, &replay):
			x.revokeReplayedFamily(ctx, replay)
			return nil, InvalidGrant(err)
		case errors.Is(err, store.ErrCodeNotFound):
			return nil, InvalidGrant(err)
		default:
			return nil, ServerError(err)
		}
	}

	if binding.ClientID != client.ID {
		return nil, InvalidGrant(errors.New("code issued to another client"))
	}
	if binding.RedirectURI != req.RedirectURI {
		return nil, InvalidGrant(errors.New("redirect_uri mismatch"))
	}
	if binding.CodeChallenge != "" {
		if !verifyPKCE(binding.CodeChallenge, binding.CodeChallengeMethod, req.CodeVerifier) {
			return nil, InvalidGrant(ErrPKCEMismatch)
		}
	} else if req.CodeVerifier != "" {
		return nil, InvalidGrant(errors.New("code_verifier without code_challenge"))
	}

	user, err := x.users.GetUserByID(ctx, binding.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, InvalidGrant(err)
	}
	if err != nil {
		return nil, ServerError(err)
	}

	var refresh token.Refresh
	if familyID != uuid.Nil {
		refresh, err = x.issuer.NewRefresh()
		if err != nil {
			return nil, ServerError(err)
		}
		root := &store.RefreshToken{
			ID:        familyID,
			FamilyID:  familyID,
			TokenHash: refresh.Hash,
			UserID:    user.ID,
			ClientID:  client.ID,
			Scope:     binding.Scope,
			ExpiresAt: refresh.ExpiresAt,
		}
		if err := x.ledger.CreateRefreshToken(ctx, root); err != nil {
			return nil, ServerError(err)
		}

		// A replay that revoked the family before the root existed revoked
		// nothing; it left the replayed flag, so finish the job here. A
		// replay after this check sees the committed root.
		replayed, err := x.codes.CodeReplayed(ctx, req.Code)
		if err != nil || replayed {
			if _, rerr := x.ledger.RevokeFamily(ctx, familyID); rerr != nil {
				slog.Error("revoking family of replayed code failed", "family_id", familyID, "error", rerr)
			}
			if err != nil {
				return nil, ServerError(err)
			}
			slog.Warn("authorization code replayed during exchange, family revoked",
				"client_id", client.ID, "user_id", user.ID, "family_id", familyID)
			return nil, InvalidGrant(store.ErrCodeConsumed)
		}
	}

	set, err := x.issuer.Issue(token.Grant{
		User:     user,
		ClientID: client.ID,
		Scope:    binding.Scope,
		Nonce:    binding.Nonce,
		AuthTime: binding.AuthTime,
	}, refresh)
	if err != nil {
		return nil, ServerError(err)
	}

	return &Exchanged{Tokens: set, Client: client, UserID: user.ID, FamilyID: familyID}, nil
}

// revokeReplayedFamily revokes the tokens minted from a code that is now being replayed.
// The family may not have a root yet; the exchange that owns it checks the
// replayed flag after creating one.
func (x *Exchanger) revokeReplayedFamily(ctx context.Context, replay *store.ConsumedCodeError) {
	if replay.FamilyID == uuid.Nil {
		slog.Warn("authorization code replayed", "client_id", replay.ClientID, "user_id", replay.UserID)
		return
	}
	n, err := x.ledger.RevokeFamily(ctx, replay.FamilyID)
	if err != nil {
		slog.Error("revoking family of replayed code failed", "family_id", replay.FamilyID, "error", err)
		return
	}
	slog.Warn("authorization code replayed, family revoked",
		"client_id", replay.ClientID, "user_id", replay.UserID, "family_id", replay.FamilyID, "revoked", n)
}

func (x *Exchanger) rotateRefresh(ctx context.Context, client *store.Client, req TokenRequest) (*Exchanged, error) {
	if req.RefreshToken == "" {
		return nil, InvalidRequest("refresh_token is required")
	}

	tokenHash := token.HashRefresh(req.RefreshToken)

	// Resolve the subject before rotating: once the rotation commits, the
	// presented token is spent and a client retry would read as reuse.
	current, err := x.ledger.GetRefreshToken(ctx, tokenHash)
	switch {
	case errors.Is(err, store.ErrRefreshNotFound):
		return nil, InvalidGrant(err)
	case err != nil:
		return nil, ServerError(err)
	case current.ClientID != client.ID:
		return nil, InvalidGrant(store.ErrRefreshNotFound)
	}
	user, err := x.users.GetUserByID(ctx, current.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, InvalidGrant(err)
	}
	if err != nil {
		return nil, ServerError(err)
	}

	refresh, err := x.issuer.NewRefresh()
	if err != nil {
		return nil, ServerError(err)
	}
	child, err := newRecord(refresh)
	if err != nil {
		return nil, ServerError(err)
	}

	parent, err := x.ledger.RotateRefreshToken(ctx, tokenHash, client.ID, child)
	if err != nil {
		var reuse *store.ReuseError
		switch {
		case errors.As(err, &reuse):
			slog.Warn("refresh token reuse detected, family revoked",
				"client_id", client.ID, "user_id", reuse.UserID, "family_id", reuse.FamilyID, "revoked", reuse.Revoked)
			return nil, InvalidGrant(err)
		case errors.Is(err, store.ErrRefreshNotFound),
			errors.Is(err, store.ErrRefreshRevoked),
			errors.Is(err, store.ErrRefreshExpired):
			return nil, InvalidGrant(err)
		default:
			return nil, ServerError(err)
		}
	}

	// Only signing can fail past this point.
	set, err := x.issuer.Issue(token.Grant{
		User:     user,
		ClientID: client.ID,
		Scope:    child.Scope,
	}, refresh)
	if err != nil {
		return nil, ServerError(err)
	}
	return &Exchanged{Tokens: set, Client: client, UserID: user.ID, FamilyID: parent.FamilyID}, nil
}

// Revoke implements RFC 7009 for refresh tokens: the token's whole family is revoked.
// Unknown tokens and tokens of other clients succeed silently.
func (x *Exchanger) Revoke(ctx context.Context, clientID, secret, value string) (*store.RefreshToken, error) {
	client, authErr := x.authenticate(ctx, clientID, secret)
	if authErr != nil {
		return nil, authErr
	}
	if value == "" {
		return nil, InvalidRequest("token is required")
	}

	rt, err := x.ledger.GetRefreshToken(ctx, token.HashRefresh(value))
	if errors.Is(err, store.ErrRefreshNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ServerError(err)
	}
	if rt.ClientID != client.ID {
		return nil, nil
	}
	if _, err := x.ledger.RevokeFamily(ctx, rt.FamilyID); err != nil {
		return nil, ServerError(err)
	}
	return rt, nil
}

// RevokeUser revokes every refresh family of userID, across all clients.
func (x *Exchanger) RevokeUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := x.ledger.RevokeUserTokens(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoking user tokens: %w", err)
	}
	return n, nil
}

// newRecord prepares a ledger row for refresh. The caller fills lineage.
func newRecord(refresh token.Refresh) (*store.RefreshToken, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating refresh record id: %w", err)
	}
	return &store.RefreshToken{ID: id, TokenHash: refresh.Hash, ExpiresAt: refresh.ExpiresAt}, nil
}
