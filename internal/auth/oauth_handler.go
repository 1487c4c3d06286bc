// oauth_handler.go -- GET /authorize and POST /logout.
package auth

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/MGallo-Code/obol/internal/oauth"
)

// Authorize handles GET /authorize: issues an authorization code for the
// signed-in user and redirects back to the client.
// No session: 302 to LOGIN_URL?return_to=..., or 401 login_required when unset.
// invalid_client and invalid_redirect_uri are answered directly (400 JSON);
// every other error redirects to the verified redirect_uri with state.
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	sess, err := h.lookupSession(r)
	if err != nil {
		if errors.Is(err, errNoSession) {
			h.loginRequired(w, r)
			return
		}
		writeOAuthError(w, r, oauth.ServerError(err))
		return
	}

	q := r.URL.Query()
	req := oauth.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
	}

	issued, err := h.Authz.Authorize(r.Context(), req, sess.UserID, sess.AuthTime)
	if err != nil {
		oe := asOAuthError(err)
		if oe.Redirects() {
			if oe.Code == oauth.CodeServerError {
				logError(r, "authorize failed", "client_id", req.ClientID, "error", oe)
			} else {
				logInfo(r, "authorize rejected", "client_id", req.ClientID, "error", oe.Code)
			}
			http.Redirect(w, r, oe.Location(), http.StatusFound)
			return
		}
		logInfo(r, "authorize rejected without redirect", "client_id", req.ClientID, "error", oe.Code)
		status := http.StatusBadRequest
		if oe.Code == oauth.CodeServerError {
			status = oe.Status
		}
		writeOAuthErrorStatus(w, r, oe, status)
		return
	}

	method := req.CodeChallengeMethod
	if method == "" && req.CodeChallenge != "" {
		method = oauth.MethodPlain
	}
	if method == "" {
		method = "none"
	}
	h.Metrics.RecordCodeIssued(r.Context(), issued.Client.ID, method)
	h.audit(r, auditCodeIssued, sess.UserID, issued.Client.ID, map[string]any{"scope": issued.Scope})
	logInfo(r, "authorization code issued", "client_id", issued.Client.ID, "user_id", sess.UserID)

	noStore(w)
	http.Redirect(w, r, issued.Location, http.StatusFound)
}

// loginRequired sends an unauthenticated /authorize to the login page, carrying
// the full authorize URL so the user lands back here after signing in.
func (h *AuthHandler) loginRequired(w http.ResponseWriter, r *http.Request) {
	if h.Config.LoginURL == "" {
		writeJSON(w, http.StatusUnauthorized, oauthErrorBody{
			Error:       "login_required",
			Description: "no active session",
		})
		return
	}

	loginURL, err := url.Parse(h.Config.LoginURL)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	q := loginURL.Query()
	q.Set("return_to", h.Config.Issuer+r.URL.RequestURI())
	loginURL.RawQuery = q.Encode()

	logDebug(r, "authorize without session, redirecting to login")
	http.Redirect(w, r, loginURL.String(), http.StatusFound)
}

// Logout handles POST /logout: revokes every refresh token family of the
// session user, across all clients. The session itself belongs to the login
// service and is left alone. Requires RequireAuth and CSRFMiddleware.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		logError(r, "logout called without user_id in context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	n, err := h.Tokens.RevokeUser(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	h.audit(r, auditLogout, userID, "", map[string]any{"revoked": n})
	logInfo(r, "user logged out of all clients", "user_id", userID, "revoked", n)
	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		Revoked int64  `json:"revoked"`
	}{"refresh tokens revoked", n})
}
