package oauth

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MGallo-Code/obol/internal/store"
	"github.com/MGallo-Code/obol/internal/testutil"
)

// --- Authenticate ---

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("confidential with correct secret", func(t *testing.T) {
		f := newFixture(t)
		c, err := f.registry.Authenticate(ctx, f.conf.ID, confSecret)
		if err != nil || c.ID != f.conf.ID {
			t.Fatalf("expected success, got %v", err)
		}
	})

	t.Run("confidential failures", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.registry.Authenticate(ctx, f.conf.ID, "nope"); !errors.Is(err, ErrBadClientSecret) {
			t.Errorf("wrong secret: got %v", err)
		}
		if _, err := f.registry.Authenticate(ctx, f.conf.ID, ""); !errors.Is(err, ErrMissingSecret) {
			t.Errorf("no secret: got %v", err)
		}
	})

	t.Run("public client", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.registry.Authenticate(ctx, f.public.ID, ""); err != nil {
			t.Errorf("no secret: expected success, got %v", err)
		}
		if _, err := f.registry.Authenticate(ctx, f.public.ID, "x"); !errors.Is(err, ErrUnexpectedSecret) {
			t.Errorf("with secret: got %v", err)
		}
	})

	t.Run("unknown and inactive clients", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.registry.Authenticate(ctx, "client_missing", "x"); !errors.Is(err, store.ErrClientNotFound) {
			t.Errorf("unknown: got %v", err)
		}
		f.conf.IsActive = false
		if _, err := f.registry.Authenticate(ctx, f.conf.ID, confSecret); !errors.Is(err, store.ErrClientNotFound) {
			t.Errorf("inactive: got %v", err)
		}
	})

	t.Run("store failure is not a client error", func(t *testing.T) {
		f := newFixture(t)
		f.clients.GetClientErr = errors.New("pg down")
		_, err := f.registry.Authenticate(ctx, f.conf.ID, confSecret)
		if err == nil || errors.Is(err, store.ErrClientNotFound) {
			t.Errorf("expected infrastructure error, got %v", err)
		}
	})
}

// --- ValidateRedirect / ValidateScope ---

func TestValidateRedirect(t *testing.T) {
	r := NewRegistry(testutil.NewMockClientStore())
	c := &store.Client{RedirectURIs: []string{"https://a.example.com/cb"}}
	cases := map[string]bool{
		"https://a.example.com/cb":     true,
		"https://a.example.com/cb/":    false,
		"https://A.example.com/cb":     false,
		"https://a.example.com/cb?x=1": false,
		"http://a.example.com/cb":      false,
		"":                             false,
	}
	for uri, want := range cases {
		if got := r.ValidateRedirect(c, uri); got != want {
			t.Errorf("ValidateRedirect(%q) = %v, want %v", uri, got, want)
		}
	}
}

func TestValidateScope(t *testing.T) {
	r := NewRegistry(testutil.NewMockClientStore())
	c := &store.Client{Scopes: []string{"openid", "profile", "email"}}

	t.Run("intersection in registered order", func(t *testing.T) {
		got, err := r.ValidateScope(c, "email unknown openid email")
		if err != nil {
			t.Fatalf("ValidateScope: %v", err)
		}
		if !slices.Equal(got, []string{"openid", "email"}) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("empty request grants registered scopes", func(t *testing.T) {
		got, err := r.ValidateScope(c, "  ")
		if err != nil || !slices.Equal(got, c.Scopes) {
			t.Errorf("got %v %v", got, err)
		}
	})

	t.Run("nothing left is an error", func(t *testing.T) {
		if _, err := r.ValidateScope(c, "admin"); !errors.Is(err, ErrScopeNotAllowed) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("openid not registered errors", func(t *testing.T) {
		noOIDC := &store.Client{Scopes: []string{"profile"}}
		if _, err := r.ValidateScope(noOIDC, "openid profile"); !errors.Is(err, ErrScopeNotAllowed) {
			t.Errorf("got %v", err)
		}
	})
}

// --- Register / Deactivate ---

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("confidential gets a one-time secret", func(t *testing.T) {
		cs := testutil.NewMockClientStore()
		r := NewRegistry(cs)
		c, secret, err := r.Register(ctx, ClientRegistration{
			Name: "Billing", RedirectURIs: []string{"https://billing.example.com/cb"},
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if c.Type != store.ClientTypeConfidential || secret == "" || c.SecretHash == nil {
			t.Fatalf("expected confidential with secret: %+v", c)
		}
		if *c.SecretHash == secret {
			t.Fatal("plaintext secret stored")
		}
		if !slices.Equal(c.GrantTypes, SupportedGrants) || !slices.Equal(c.Scopes, DefaultScopes) {
			t.Errorf("defaults not applied: %+v", c)
		}
		if _, err := r.Authenticate(ctx, c.ID, secret); err != nil {
			t.Errorf("returned secret should authenticate: %v", err)
		}
	})

	t.Run("public has no secret", func(t *testing.T) {
		r := NewRegistry(testutil.NewMockClientStore())
		c, secret, err := r.Register(ctx, ClientRegistration{
			Name: "SPA", Type: store.ClientTypePublic, RedirectURIs: []string{"http://localhost:3000/cb"},
			Scopes: []string{"openid", "openid", "phone"},
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if secret != "" || c.SecretHash != nil {
			t.Error("public client must not get a secret")
		}
		if !slices.Equal(c.Scopes, []string{"openid", "phone"}) {
			t.Errorf("scopes not deduplicated: %v", c.Scopes)
		}
	})

	t.Run("validation", func(t *testing.T) {
		r := NewRegistry(testutil.NewMockClientStore())
		bad := []ClientRegistration{
			{RedirectURIs: []string{"https://x.example.com/cb"}},
			{Name: "n"},
			{Name: "n", RedirectURIs: []string{"/relative"}},
			{Name: "n", RedirectURIs: []string{"ftp://x.example.com/cb"}},
			{Name: "n", RedirectURIs: []string{"https://x.example.com/cb#frag"}},
			{Name: "n", Type: "machine", RedirectURIs: []string{"https://x.example.com/cb"}},
			{Name: "n", RedirectURIs: []string{"https://x.example.com/cb"}, GrantTypes: []string{"password"}},
			{Name: "n", RedirectURIs: []string{"https://x.example.com/cb"}, Scopes: []string{"admin"}},
		}
		for i, reg := range bad {
			if _, _, err := r.Register(ctx, reg); !errors.Is(err, ErrInvalidRegistration) {
				t.Errorf("case %d: expected ErrInvalidRegistration, got %v", i, err)
			}
		}
	})

	t.Run("deactivated client no longer resolves", func(t *testing.T) {
		cs := testutil.NewMockClientStore()
		r := NewRegistry(cs)
		c, _, _ := r.Register(ctx, ClientRegistration{
			Name: "SPA", Type: store.ClientTypePublic, RedirectURIs: []string{"https://spa.example.com/cb"},
		})
		if err := r.Deactivate(ctx, c.ID); err != nil {
			t.Fatalf("Deactivate failed: %v", err)
		}
		if _, err := r.Resolve(ctx, c.ID); !errors.Is(err, store.ErrClientNotFound) {
			t.Errorf("expected ErrClientNotFound, got %v", err)
		}
		if err := r.Deactivate(ctx, "client_missing"); !errors.Is(err, store.ErrClientNotFound) {
			t.Errorf("missing: expected ErrClientNotFound, got %v", err)
		}
	})
}
