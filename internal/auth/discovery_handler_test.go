// discovery_handler_test.go

// unit tests for JWKS and the discovery document.
package auth

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/go-jose/go-jose/v4"
)

func TestJWKS(t *testing.T) {
	hs := newHarness(t)
	w := httptest.NewRecorder()
	hs.h.JWKS(w, httptest.NewRequest(http.MethodGet, PathJWKS, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("Cache-Control: got %q", cc)
	}

	var set jose.JSONWebKeySet
	decodeJSON(t, w, &set)
	if len(set.Keys) == 0 {
		t.Fatal("expected at least one key")
	}
	k := set.Keys[0]
	if k.KeyID != sharedKeys(t).ActiveKeyID() {
		t.Errorf("first key: expected active kid %q, got %q", sharedKeys(t).ActiveKeyID(), k.KeyID)
	}
	if !k.IsPublic() || k.Use != "sig" || k.Algorithm != "RS256" {
		t.Errorf("unexpected key %+v", k)
	}
}

func TestDiscovery(t *testing.T) {
	fetch := func(t *testing.T, hs *harness) providerMetadata {
		t.Helper()
		w := httptest.NewRecorder()
		hs.h.Discovery(w, httptest.NewRequest(http.MethodGet, PathDiscovery, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected nosniff")
		}
		var md providerMetadata
		decodeJSON(t, w, &md)
		return md
	}

	t.Run("endpoints hang off the issuer", func(t *testing.T) {
		md := fetch(t, newHarness(t))
		checks := []struct{ got, want string }{
			{md.Issuer, testIssuer},
			{md.AuthorizationEndpoint, testIssuer + "/authorize"},
			{md.TokenEndpoint, testIssuer + "/token"},
			{md.UserInfoEndpoint, testIssuer + "/userinfo"},
			{md.JWKSURI, testIssuer + "/jwks"},
			{md.RevocationEndpoint, testIssuer + "/revoke"},
		}
		for _, c := range checks {
			if c.got != c.want {
				t.Errorf("expected %q, got %q", c.want, c.got)
			}
		}
		if !slices.Equal(md.ResponseTypesSupported, []string{"code"}) {
			t.Errorf("response_types_supported: got %v", md.ResponseTypesSupported)
		}
		if !slices.Contains(md.GrantTypesSupported, "refresh_token") || !slices.Contains(md.ScopesSupported, "openid") {
			t.Errorf("unexpected grants %v or scopes %v", md.GrantTypesSupported, md.ScopesSupported)
		}
		if !slices.Equal(md.IDTokenSigningAlgValuesSupported, []string{"RS256"}) {
			t.Errorf("alg: got %v", md.IDTokenSigningAlgValuesSupported)
		}
	})

	t.Run("S256 only by default", func(t *testing.T) {
		md := fetch(t, newHarness(t))
		if !slices.Equal(md.CodeChallengeMethodsSupported, []string{"S256"}) {
			t.Errorf("got %v", md.CodeChallengeMethodsSupported)
		}
	})

	t.Run("plain advertised when allowed", func(t *testing.T) {
		hs := newHarness(t)
		hs.h.Config.PKCEAllowPlain = true
		md := fetch(t, hs)
		if !slices.Equal(md.CodeChallengeMethodsSupported, []string{"S256", "plain"}) {
			t.Errorf("got %v", md.CodeChallengeMethodsSupported)
		}
	})
}
