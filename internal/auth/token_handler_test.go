// token_handler_test.go

// unit tests for the Token and Revoke handlers and the per-IP rate limiter.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/token"
)

// confCode issues a code for the confidential client.
func (hs *harness) confCode(t *testing.T) (code, verifier string) {
	t.Helper()
	verifier = oauth2.GenerateVerifier()
	w := httptest.NewRecorder()
	hs.h.Authorize(w, hs.withSession(hs.authorizeRequest(verifier, url.Values{
		"client_id":    {hs.conf.ID},
		"redirect_uri": {confRedirect},
	})))
	if w.Code != http.StatusFound {
		t.Fatalf("authorize: expected 302, got %d: %s", w.Code, w.Body.String())
	}
	return locationParam(t, w, "code"), verifier
}

func codeForm(code, verifier, redirect string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirect},
		"code_verifier": {verifier},
	}
}

// --- Token ---

func TestTokenHandler(t *testing.T) {
	t.Run("public client exchange", func(t *testing.T) {
		hs := newHarness(t)
		code, verifier := hs.issueCode(t)
		form := codeForm(code, verifier, publicRedirect)
		form.Set("client_id", hs.public.ID)

		w := postForm(hs.h.Token, form, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
			t.Errorf("Cache-Control: expected no-store, got %q", cc)
		}
		var set token.Set
		decodeJSON(t, w, &set)
		if set.TokenType != "Bearer" || set.AccessToken == "" || set.IDToken == "" || set.RefreshToken == "" {
			t.Errorf("incomplete token set %+v", set)
		}
		if set.Scope != "openid email" {
			t.Errorf("scope: expected %q, got %q", "openid email", set.Scope)
		}
		claims, err := hs.issuer.VerifyAccess(set.AccessToken)
		if err != nil {
			t.Fatalf("VerifyAccess: %v", err)
		}
		if claims.Subject != hs.user.ID.String() {
			t.Errorf("sub: expected %s, got %s", hs.user.ID, claims.Subject)
		}
		assertAudited(t, hs.ps, auditCodeExchanged)
		if !strings.Contains(hs.scrape(t), `oauth_code_exchanged_total{client_id="client_public"`) {
			t.Error("expected oauth_code_exchanged_total for client_public")
		}
	})

	t.Run("confidential client with basic auth", func(t *testing.T) {
		hs := newHarness(t)
		code, verifier := hs.confCode(t)
		w := postForm(hs.h.Token, codeForm(code, verifier, confRedirect), func(r *http.Request) {
			r.SetBasicAuth(hs.conf.ID, confSecret)
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("basic credentials are form-urldecoded", func(t *testing.T) {
		hs := newHarness(t)
		code, verifier := hs.confCode(t)
		w := postForm(hs.h.Token, codeForm(code, verifier, confRedirect), func(r *http.Request) {
			r.SetBasicAuth("client%5Fconf", confSecret)
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("wrong basic secret is 401 with challenge", func(t *testing.T) {
		hs := newHarness(t)
		code, verifier := hs.confCode(t)
		w := postForm(hs.h.Token, codeForm(code, verifier, confRedirect), func(r *http.Request) {
			r.SetBasicAuth(hs.conf.ID, "wrong")
		})
		assertOAuthError(t, w, http.StatusUnauthorized, oauth.CodeInvalidClient)
		if got := w.Header().Get("WWW-Authenticate"); got != basicRealm {
			t.Errorf("WWW-Authenticate: expected %q, got %q", basicRealm, got)
		}
	})

	t.Run("wrong body secret is 401 without challenge", func(t *testing.T) {
		hs := newHarness(t)
		code, verifier := hs.confCode(t)
		form := codeForm(code, verifier, confRedirect)
		form.Set("client_id", hs.conf.ID)
		form.Set("client_secret", "wrong")
		w := postForm(hs.h.Token, form, nil)
		assertOAuthError(t, w, http.StatusUnauthorized, oauth.CodeInvalidClient)
		if got := w.Header().Get("WWW-Authenticate"); got != "" {
			t.Errorf("expected no WWW-Authenticate, got %q", got)
		}
	})

	t.Run("both auth methods is invalid_request", func(t *testing.T) {
		hs := newHarness(t)
		code, verifier := hs.confCode(t)
		form := codeForm(code, verifier, confRedirect)
		form.Set("client_secret", confSecret)
		w := postForm(hs.h.Token, form, func(r *http.Request) {
			r.SetBasicAuth(hs.conf.ID, confSecret)
		})
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidRequest)
	})

	t.Run("mismatched body client_id is invalid_request", func(t *testing.T) {
		hs := newHarness(t)
		form := url.Values{"grant_type": {"refresh_token"}, "client_id": {hs.public.ID}, "refresh_token": {"x"}}
		w := postForm(hs.h.Token, form, func(r *http.Request) {
			r.SetBasicAuth(hs.conf.ID, confSecret)
		})
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidRequest)
	})

	t.Run("missing grant_type", func(t *testing.T) {
		hs := newHarness(t)
		w := postForm(hs.h.Token, url.Values{"client_id": {hs.public.ID}}, nil)
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidRequest)
	})

	t.Run("unsupported grant_type", func(t *testing.T) {
		hs := newHarness(t)
		w := postForm(hs.h.Token, url.Values{"grant_type": {"password"}, "client_id": {hs.public.ID}}, nil)
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeUnsupportedGrantType)
		if !strings.Contains(hs.scrape(t), `error="unsupported_grant_type"`) {
			t.Error("expected grant failure metric")
		}
	})

	t.Run("code replay is rejected and audited", func(t *testing.T) {
		hs := newHarness(t)
		code, verifier := hs.issueCode(t)
		form := codeForm(code, verifier, publicRedirect)
		form.Set("client_id", hs.public.ID)

		first := postForm(hs.h.Token, form, nil)
		if first.Code != http.StatusOK {
			t.Fatalf("first exchange: expected 200, got %d", first.Code)
		}
		var set token.Set
		decodeJSON(t, first, &set)

		second := postForm(hs.h.Token, form, nil)
		assertOAuthError(t, second, http.StatusBadRequest, oauth.CodeInvalidGrant)
		assertAudited(t, hs.ps, auditCodeReplay)
		if !strings.Contains(hs.scrape(t), "oauth_code_reuse_detected_total") {
			t.Error("expected oauth_code_reuse_detected_total")
		}

		// The family minted by the first exchange is gone.
		w := postForm(hs.h.Token, url.Values{
			"grant_type": {"refresh_token"}, "client_id": {hs.public.ID}, "refresh_token": {set.RefreshToken},
		}, nil)
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidGrant)
	})

	t.Run("refresh rotation then reuse", func(t *testing.T) {
		hs := newHarness(t)
		set := hs.tokens(t)
		refresh := func(rt string) *httptest.ResponseRecorder {
			return postForm(hs.h.Token, url.Values{
				"grant_type": {"refresh_token"}, "client_id": {hs.public.ID}, "refresh_token": {rt},
			}, nil)
		}

		w := refresh(set.RefreshToken)
		if w.Code != http.StatusOK {
			t.Fatalf("rotate: expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var rotated token.Set
		decodeJSON(t, w, &rotated)
		if rotated.RefreshToken == "" || rotated.RefreshToken == set.RefreshToken {
			t.Fatal("expected a new refresh token")
		}
		assertAudited(t, hs.ps, auditRefreshRotated)

		assertOAuthError(t, refresh(set.RefreshToken), http.StatusBadRequest, oauth.CodeInvalidGrant)
		assertAudited(t, hs.ps, auditRefreshReuse)
		if !strings.Contains(hs.scrape(t), "oauth_token_reuse_detected_total") {
			t.Error("expected oauth_token_reuse_detected_total")
		}

		// Reuse revoked the family, so the rotated token is dead too.
		assertOAuthError(t, refresh(rotated.RefreshToken), http.StatusBadRequest, oauth.CodeInvalidGrant)
	})

	t.Run("wrong verifier counts a pkce failure", func(t *testing.T) {
		hs := newHarness(t)
		code, _ := hs.issueCode(t)
		form := codeForm(code, oauth2.GenerateVerifier(), publicRedirect)
		form.Set("client_id", hs.public.ID)
		w := postForm(hs.h.Token, form, nil)
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidGrant)
		if !strings.Contains(hs.scrape(t), "oauth_pkce_validation_failed_total") {
			t.Error("expected oauth_pkce_validation_failed_total")
		}
	})

	t.Run("ledger failure is server_error without detail", func(t *testing.T) {
		hs := newHarness(t)
		hs.ledger.CreateErr = errors.New("pg down")
		code, verifier := hs.issueCode(t)
		form := codeForm(code, verifier, publicRedirect)
		form.Set("client_id", hs.public.ID)
		w := postForm(hs.h.Token, form, nil)
		assertOAuthError(t, w, http.StatusInternalServerError, oauth.CodeServerError)
		if strings.Contains(w.Body.String(), "pg down") {
			t.Error("internal detail leaked into response")
		}
	})
}

// --- Revoke ---

func TestRevokeHandler(t *testing.T) {
	t.Run("revokes the family", func(t *testing.T) {
		hs := newHarness(t)
		set := hs.tokens(t)
		w := postForm(hs.h.Revoke, url.Values{"client_id": {hs.public.ID}, "token": {set.RefreshToken}}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if w.Body.Len() != 0 {
			t.Errorf("expected empty body, got %q", w.Body.String())
		}
		assertAudited(t, hs.ps, auditTokenRevoked)

		w = postForm(hs.h.Token, url.Values{
			"grant_type": {"refresh_token"}, "client_id": {hs.public.ID}, "refresh_token": {set.RefreshToken},
		}, nil)
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidGrant)
	})

	t.Run("unknown token is a silent 200", func(t *testing.T) {
		hs := newHarness(t)
		w := postForm(hs.h.Revoke, url.Values{"client_id": {hs.public.ID}, "token": {"not-a-token"}}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		for _, a := range hs.ps.AuditActions() {
			if a == auditTokenRevoked {
				t.Error("unknown token should not be audited as revoked")
			}
		}
	})

	t.Run("another client's token is left alone", func(t *testing.T) {
		hs := newHarness(t)
		set := hs.tokens(t)
		w := postForm(hs.h.Revoke, url.Values{"token": {set.RefreshToken}}, func(r *http.Request) {
			r.SetBasicAuth(hs.conf.ID, confSecret)
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		w = postForm(hs.h.Token, url.Values{
			"grant_type": {"refresh_token"}, "client_id": {hs.public.ID}, "refresh_token": {set.RefreshToken},
		}, nil)
		if w.Code != http.StatusOK {
			t.Errorf("token should still refresh, got %d", w.Code)
		}
	})

	t.Run("bad client credentials", func(t *testing.T) {
		hs := newHarness(t)
		w := postForm(hs.h.Revoke, url.Values{"token": {"x"}}, func(r *http.Request) {
			r.SetBasicAuth(hs.conf.ID, "wrong")
		})
		assertOAuthError(t, w, http.StatusUnauthorized, oauth.CodeInvalidClient)
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Error("expected WWW-Authenticate")
		}
	})

	t.Run("missing token is invalid_request", func(t *testing.T) {
		hs := newHarness(t)
		w := postForm(hs.h.Revoke, url.Values{"client_id": {hs.public.ID}}, nil)
		assertOAuthError(t, w, http.StatusBadRequest, oauth.CodeInvalidRequest)
	})
}

// --- RateLimit ---

func TestRateLimit(t *testing.T) {
	hs := newHarness(t)
	hs.h.Limiter = NewIPRateLimiter(1, 2)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := hs.h.RateLimit(next)

	send := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, PathToken, nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := send("203.0.113.7:4000"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := send("203.0.113.7:4001")
	assertOAuthError(t, w, http.StatusTooManyRequests, "rate_limited")
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After: expected 1, got %q", w.Header().Get("Retry-After"))
	}
	if !strings.Contains(hs.scrape(t), `oauth_ratelimit_exceeded_total{endpoint="/token"`) {
		t.Error("expected oauth_ratelimit_exceeded_total for /token")
	}

	if w := send("198.51.100.1:4000"); w.Code != http.StatusOK {
		t.Errorf("other IP: expected 200, got %d", w.Code)
	}
}

func TestIPRateLimiter(t *testing.T) {
	t.Run("evicts least recently used", func(t *testing.T) {
		rl := NewIPRateLimiter(1, 1)
		rl.maxEntries = 2
		rl.Allow("a")
		rl.Allow("b")
		rl.Allow("a") // a is now most recent
		rl.Allow("c")
		if rl.Len() != 2 {
			t.Fatalf("expected 2 entries, got %d", rl.Len())
		}
		if _, ok := rl.limiters["b"]; ok {
			t.Error("expected b evicted")
		}
		if _, ok := rl.limiters["a"]; !ok {
			t.Error("expected a kept")
		}
	})

	t.Run("cleanup drops idle buckets", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		rl := NewIPRateLimiter(1, 1)
		rl.now = func() time.Time { return now }
		rl.Allow("old")
		now = now.Add(20 * time.Minute)
		rl.Allow("new")
		now = now.Add(15 * time.Minute)

		if n := rl.Cleanup(limiterIdleTimeout); n != 1 {
			t.Fatalf("expected 1 removed, got %d", n)
		}
		if _, ok := rl.limiters["new"]; !ok || rl.Len() != 1 {
			t.Error("expected only new to remain")
		}
	})

	t.Run("run stops on cancel", func(t *testing.T) {
		rl := NewIPRateLimiter(1, 1)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- rl.Run(ctx) }()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("expected nil, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})
}
