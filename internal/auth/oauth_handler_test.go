// oauth_handler_test.go

// unit tests for the Authorize and Logout handlers.
package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/MGallo-Code/obol/internal/oauth"
)

// --- Authorize ---

func TestAuthorizeHandler(t *testing.T) {
	t.Run("no session and no login url is login_required", func(t *testing.T) {
		hs := newHarness(t)
		w := httptest.NewRecorder()
		hs.h.Authorize(w, hs.authorizeRequest(oauth2.GenerateVerifier(), nil))
		assertOAuthError(t, w, http.StatusUnauthorized, "login_required")
		if len(hs.codes.Codes) != 0 {
			t.Error("no code should be issued without a session")
		}
	})

	t.Run("no session redirects to login with return_to", func(t *testing.T) {
		hs := newHarness(t)
		hs.h.Config.LoginURL = "https://login.example.com/signin?theme=dark"
		r := hs.authorizeRequest(oauth2.GenerateVerifier(), nil)
		w := httptest.NewRecorder()
		hs.h.Authorize(w, r)

		if w.Code != http.StatusFound {
			t.Fatalf("expected 302, got %d", w.Code)
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		if loc.Host != "login.example.com" || loc.Query().Get("theme") != "dark" {
			t.Errorf("unexpected login redirect %q", loc)
		}
		want := testIssuer + r.URL.RequestURI()
		if got := loc.Query().Get("return_to"); got != want {
			t.Errorf("return_to: expected %q, got %q", want, got)
		}
	})

	t.Run("success redirects with code and state", func(t *testing.T) {
		hs := newHarness(t)
		w := httptest.NewRecorder()
		hs.h.Authorize(w, hs.withSession(hs.authorizeRequest(oauth2.GenerateVerifier(), nil)))

		if w.Code != http.StatusFound {
			t.Fatalf("expected 302, got %d: %s", w.Code, w.Body.String())
		}
		if !strings.HasPrefix(w.Header().Get("Location"), publicRedirect+"?") {
			t.Errorf("unexpected Location %q", w.Header().Get("Location"))
		}
		if locationParam(t, w, "code") == "" || locationParam(t, w, "state") != "st-1" {
			t.Errorf("missing code or state in %q", w.Header().Get("Location"))
		}
		if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
			t.Errorf("Cache-Control: expected no-store, got %q", cc)
		}
		b, ok := hs.codes.Binding(locationParam(t, w, "code"))
		if !ok || b.UserID != hs.user.ID || b.Scope != "openid email" {
			t.Errorf("unexpected binding %+v", b)
		}
		assertAudited(t, hs.ps, auditCodeIssued)
		if !strings.Contains(hs.scrape(t), "oauth_code_issued") {
			t.Error("expected oauth_code_issued metric")
		}
	})

	t.Run("session resolved from postgres repopulates the cache", func(t *testing.T) {
		hs := newHarness(t)
		w := httptest.NewRecorder()
		hs.h.Authorize(w, hs.withSession(hs.authorizeRequest(oauth2.GenerateVerifier(), nil)))
		if w.Code != http.StatusFound {
			t.Fatalf("expected 302, got %d", w.Code)
		}
		if len(hs.rs.Sessions) != 1 {
			t.Errorf("expected session cached after postgres hit, got %d entries", len(hs.rs.Sessions))
		}
	})

	t.Run("unknown client is a direct 400", func(t *testing.T) {
		hs := newHarness(t)
		w := httptest.NewRecorder()
		hs.h.Authorize(w, hs.withSession(hs.authorizeRequest(oauth2.GenerateVerifier(), url.Values{
			"client_id": {"client_unknown"},
		})))
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidClient)
		if w.Header().Get("Location") != "" {
			t.Error("invalid_client must not redirect")
		}
	})

	t.Run("unregistered redirect is a direct 400", func(t *testing.T) {
		hs := newHarness(t)
		w := httptest.NewRecorder()
		hs.h.Authorize(w, hs.withSession(hs.authorizeRequest(oauth2.GenerateVerifier(), url.Values{
			"redirect_uri": {"https://evil.example.com/cb"},
		})))
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidRedirectURI)
		if w.Header().Get("Location") != "" {
			t.Error("invalid_redirect_uri must not redirect")
		}
	})

	t.Run("other errors redirect with state", func(t *testing.T) {
		hs := newHarness(t)
		w := httptest.NewRecorder()
		hs.h.Authorize(w, hs.withSession(hs.authorizeRequest(oauth2.GenerateVerifier(), url.Values{
			"response_type": {"token"},
		})))
		if w.Code != http.StatusFound {
			t.Fatalf("expected 302, got %d", w.Code)
		}
		if locationParam(t, w, "error") != oauth.CodeUnsupportedResponseType || locationParam(t, w, "state") != "st-1" {
			t.Errorf("unexpected error redirect %q", w.Header().Get("Location"))
		}
	})

	t.Run("code store failure redirects server_error", func(t *testing.T) {
		hs := newHarness(t)
		hs.codes.IssueCodeErr = errors.New("redis down")
		w := httptest.NewRecorder()
		hs.h.Authorize(w, hs.withSession(hs.authorizeRequest(oauth2.GenerateVerifier(), nil)))
		if w.Code != http.StatusFound || locationParam(t, w, "error") != oauth.CodeServerError {
			t.Errorf("expected server_error redirect, got %d %q", w.Code, w.Header().Get("Location"))
		}
		if strings.Contains(w.Header().Get("Location"), "redis") {
			t.Error("internal detail leaked into redirect")
		}
	})

	t.Run("session lookup failure is a 500", func(t *testing.T) {
		hs := newHarness(t)
		hs.ps.GetSessionErr = errors.New("pg down")
		w := httptest.NewRecorder()
		hs.h.Authorize(w, hs.withSession(hs.authorizeRequest(oauth2.GenerateVerifier(), nil)))
		assertOAuthError(t, w, http.StatusInternalServerError, oauth.CodeServerError)
	})
}

// --- Logout ---

func TestLogout(t *testing.T) {
	// logoutChain mirrors the router: RequireAuth -> CSRFMiddleware -> Logout.
	logoutChain := func(hs *harness) http.Handler {
		return hs.h.RequireAuth(hs.h.CSRFMiddleware(http.HandlerFunc(hs.h.Logout)))
	}
	logoutReq := func(hs *harness, csrf string) *http.Request {
		r := hs.withSession(httptest.NewRequest(http.MethodPost, "/logout", nil))
		if csrf != "" {
			r.Header.Set(csrfHeader, csrf)
		}
		return r
	}

	t.Run("revokes every family of the user", func(t *testing.T) {
		hs := newHarness(t)
		first := hs.tokens(t)
		second := hs.tokens(t)

		w := httptest.NewRecorder()
		logoutChain(hs).ServeHTTP(w, logoutReq(hs, base64.RawURLEncoding.EncodeToString(hs.csrf)))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var body struct {
			Revoked int64 `json:"revoked"`
		}
		decodeJSON(t, w, &body)
		if body.Revoked != 2 {
			t.Errorf("expected 2 revoked, got %d", body.Revoked)
		}
		assertAudited(t, hs.ps, auditLogout)

		for _, set := range []string{first.RefreshToken, second.RefreshToken} {
			w := postForm(hs.h.Token, url.Values{
				"grant_type": {"refresh_token"}, "client_id": {hs.public.ID}, "refresh_token": {set},
			}, nil)
			assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidGrant)
		}
	})

	t.Run("missing csrf token is forbidden", func(t *testing.T) {
		hs := newHarness(t)
		w := httptest.NewRecorder()
		logoutChain(hs).ServeHTTP(w, logoutReq(hs, ""))
		assertMessage(t, w, http.StatusForbidden, "forbidden")
	})

	t.Run("no session is unauthorized", func(t *testing.T) {
		hs := newHarness(t)
		w := httptest.NewRecorder()
		logoutChain(hs).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/logout", nil))
		assertMessage(t, w, http.StatusUnauthorized, "unauthorized")
	})

	t.Run("ledger failure is a 500", func(t *testing.T) {
		hs := newHarness(t)
		hs.ledger.RevokeUserErr = errors.New("pg down")
		w := httptest.NewRecorder()
		logoutChain(hs).ServeHTTP(w, logoutReq(hs, base64.RawURLEncoding.EncodeToString(hs.csrf)))
		assertMessage(t, w, http.StatusInternalServerError, "internal server error")
	})
}
