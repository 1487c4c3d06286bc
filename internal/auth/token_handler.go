// token_handler.go -- POST /token and POST /revoke.
package auth

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"
)

// maxFormBytes bounds token and revocation request bodies.
const maxFormBytes = 16 << 10

// basicRealm is sent with WWW-Authenticate when Basic client auth fails.
const basicRealm = `Basic realm="obol"`

// clientCredentials extracts client_id/client_secret from HTTP Basic or the form body.
// basic reports whether the Authorization header was used. Using both methods is rejected.
func clientCredentials(r *http.Request) (id, secret string, basic bool, oe *oauth.Error) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	user, pass, ok := r.BasicAuth()
	if !ok {
		return formID, formSecret, false, nil
	}

	// RFC 6749 §2.3.1: Basic credentials are form-urlencoded first.
	id, err := url.QueryUnescape(user)
	if err != nil {
		return "", "", true, oauth.InvalidRequest("malformed client credentials")
	}
	secret, err = url.QueryUnescape(pass)
	if err != nil {
		return "", "", true, oauth.InvalidRequest("malformed client credentials")
	}
	if formSecret != "" {
		return "", "", true, oauth.InvalidRequest("multiple client authentication methods")
	}
	if formID != "" && formID != id {
		return "", "", true, oauth.InvalidRequest("client_id does not match credentials")
	}
	return id, secret, true, nil
}

// parseForm reads a bounded application/x-www-form-urlencoded body.
func parseForm(w http.ResponseWriter, r *http.Request) *oauth.Error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return oauth.InvalidRequest("malformed form body")
	}
	return nil
}

// writeClientError renders a token/revocation error. invalid_client answered to
// a Basic-authenticated request carries WWW-Authenticate (RFC 6749 §5.2).
func writeClientError(w http.ResponseWriter, r *http.Request, oe *oauth.Error, basic bool) {
	if oe.Code == oauth.CodeInvalidClient && basic {
		w.Header().Set("WWW-Authenticate", basicRealm)
	}
	writeOAuthError(w, r, oe)
}

// Token handles POST /token: the authorization_code and refresh_token grants.
// Success is 200 with the token set; errors use the RFC 6749 §5.2 shape.
// Every response is Cache-Control: no-store.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	if oe := parseForm(w, r); oe != nil {
		writeOAuthError(w, r, oe)
		return
	}
	clientID, secret, basic, oe := clientCredentials(r)
	if oe != nil {
		writeClientError(w, r, oe, basic)
		return
	}

	req := oauth.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     clientID,
		ClientSecret: secret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
	}

	res, err := h.Tokens.Exchange(r.Context(), req)
	if err != nil {
		h.tokenFailure(w, r, req, basic, err)
		return
	}

	meta := map[string]any{"scope": res.Tokens.Scope}
	if res.FamilyID != uuid.Nil {
		meta["family_id"] = res.FamilyID.String()
	}
	if req.GrantType == oauth.GrantAuthorizationCode {
		h.Metrics.RecordCodeExchange(r.Context(), res.Client.ID)
		h.audit(r, auditCodeExchanged, res.UserID, res.Client.ID, meta)
		logInfo(r, "authorization code exchanged", "client_id", res.Client.ID, "user_id", res.UserID)
	} else {
		h.Metrics.RecordTokenRefresh(r.Context(), res.Client.ID)
		h.audit(r, auditRefreshRotated, res.UserID, res.Client.ID, meta)
		logInfo(r, "refresh token rotated", "client_id", res.Client.ID, "user_id", res.UserID)
	}

	writeJSON(w, http.StatusOK, res.Tokens)
}

// tokenFailure logs, counts and audits a rejected grant, then writes the error.
func (h *AuthHandler) tokenFailure(w http.ResponseWriter, r *http.Request, req oauth.TokenRequest, basic bool, err error) {
	ctx := r.Context()
	oe := asOAuthError(err)
	h.Metrics.RecordGrantFailed(ctx, req.GrantType, oe.Code)

	var replay *store.ConsumedCodeError
	var reuse *store.ReuseError
	switch {
	case errors.As(err, &replay):
		h.Metrics.RecordCodeReuseDetected(ctx)
		meta := map[string]any{}
		if replay.FamilyID != uuid.Nil {
			meta["family_id"] = replay.FamilyID.String()
		}
		h.audit(r, auditCodeReplay, replay.UserID, replay.ClientID, meta)
	case errors.As(err, &reuse):
		h.Metrics.RecordTokenReuseDetected(ctx)
		h.audit(r, auditRefreshReuse, reuse.UserID, req.ClientID, map[string]any{
			"family_id": reuse.FamilyID.String(),
			"revoked":   reuse.Revoked,
		})
	case errors.Is(err, oauth.ErrPKCEMismatch):
		h.Metrics.RecordPKCEValidationFailed(ctx, req.ClientID)
	}

	if oe.Code != oauth.CodeServerError {
		logInfo(r, "token request rejected", "client_id", req.ClientID, "grant_type", req.GrantType, "error", oe.Code)
	}
	writeClientError(w, r, oe, basic)
}

// Revoke handles POST /revoke (RFC 7009). The presented refresh token's whole
// family is revoked. Unknown tokens, tokens of other clients and access tokens
// all answer 200 with an empty body.
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	if oe := parseForm(w, r); oe != nil {
		writeOAuthError(w, r, oe)
		return
	}
	clientID, secret, basic, oe := clientCredentials(r)
	if oe != nil {
		writeClientError(w, r, oe, basic)
		return
	}

	// token_type_hint is advisory; only refresh tokens are stateful here.
	rt, err := h.Tokens.Revoke(r.Context(), clientID, secret, r.PostForm.Get("token"))
	if err != nil {
		oe := asOAuthError(err)
		if oe.Code != oauth.CodeServerError {
			logInfo(r, "revocation rejected", "client_id", clientID, "error", oe.Code)
		}
		writeClientError(w, r, oe, basic)
		return
	}

	if rt != nil {
		h.Metrics.RecordTokenRevocation(r.Context(), clientID)
		h.audit(r, auditTokenRevoked, rt.UserID, clientID, map[string]any{"family_id": rt.FamilyID.String()})
		logInfo(r, "refresh token family revoked", "client_id", clientID, "user_id", rt.UserID)
	}
	w.WriteHeader(http.StatusOK)
}
