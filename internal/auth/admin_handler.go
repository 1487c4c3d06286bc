// admin_handler.go -- /admin/* endpoints: client registration, key rotation, user revocation.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"
)

// maxAdminBodyBytes bounds admin JSON bodies.
const maxAdminBodyBytes = 64 << 10

// AdminRoutes returns the /admin subrouter, every route behind RequireAdmin.
func (h *AuthHandler) AdminRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.RequireAdmin)
	r.Post("/clients", h.RegisterClient)
	r.Get("/clients/{clientID}", h.GetClient)
	r.Delete("/clients/{clientID}", h.DeactivateClient)
	r.Get("/keys", h.ListKeys)
	r.Post("/keys/rotate", h.RotateSigningKey)
	r.Post("/users/{userID}/revoke", h.RevokeUserTokens)
	return r
}

// RequireAdmin checks the Bearer ADMIN_TOKEN. With no token configured the
// whole admin surface answers 404.
func (h *AuthHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.AdminToken == "" {
			NotFound(w)
			return
		}
		scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || !adminTokenMatches(value, h.Config.AdminToken) {
			logWarn(r, "admin auth failed")
			Unauthorized(w, r, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminTokenMatches compares digests so neither content nor length leaks through timing.
func adminTokenMatches(provided, want string) bool {
	p := sha256.Sum256([]byte(provided))
	q := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(p[:], q[:]) == 1
}

// clientView is a client as the admin API shows it. The secret hash never leaves the store.
type clientView struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Type         string    `json:"client_type"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	GrantTypes   []string  `json:"grant_types"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
}

func newClientView(c *store.Client) clientView {
	return clientView{
		ClientID:     c.ID,
		Type:         c.Type,
		Name:         c.Name,
		RedirectURIs: c.RedirectURIs,
		GrantTypes:   c.GrantTypes,
		Scopes:       c.Scopes,
		CreatedAt:    c.CreatedAt,
	}
}

// RegisterClient handles POST /admin/clients.
// Returns 201 with the client and, for confidential clients, the plaintext
// secret. The secret is shown exactly once.
func (h *AuthHandler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var reg oauth.ClientRegistration
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reg); err != nil {
		logWarn(r, "failed to decode client registration", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	c, secret, err := h.Clients.Register(r.Context(), reg)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidRegistration) {
			BadRequest(w, r, err.Error())
			return
		}
		InternalServerError(w, r, err)
		return
	}

	h.Metrics.RecordClientRegistration(r.Context(), c.Type)
	h.audit(r, auditClientRegistered, uuid.Nil, c.ID, map[string]any{"client_type": c.Type, "name": c.Name})
	logInfo(r, "client registered", "client_id", c.ID, "client_type", c.Type)

	view := newClientView(c)
	view.ClientSecret = secret
	noStore(w)
	writeJSON(w, http.StatusCreated, view)
}

// GetClient handles GET /admin/clients/{clientID}. Deactivated clients are 404.
func (h *AuthHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	c, err := h.Clients.Resolve(r.Context(), chi.URLParam(r, "clientID"))
	if errors.Is(err, store.ErrClientNotFound) {
		NotFound(w)
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newClientView(c))
}

// DeactivateClient handles DELETE /admin/clients/{clientID}.
// The client stops resolving at once; its outstanding refresh tokens fail on next use.
func (h *AuthHandler) DeactivateClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	err := h.Clients.Deactivate(r.Context(), clientID)
	if errors.Is(err, store.ErrClientNotFound) {
		NotFound(w)
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.audit(r, auditClientDeactivated, uuid.Nil, clientID, nil)
	logInfo(r, "client deactivated", "client_id", clientID)
	w.WriteHeader(http.StatusNoContent)
}

// ListKeys handles GET /admin/keys.
func (h *AuthHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Keys any `json:"keys"`
	}{h.Keys.Keys()})
}

// RotateSigningKey handles POST /admin/keys/rotate. The new key signs from
// now on; the previous one keeps verifying for the retire grace period.
func (h *AuthHandler) RotateSigningKey(w http.ResponseWriter, r *http.Request) {
	kid, err := h.RotateKey()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.Metrics.RecordKeyRotation(r.Context())
	h.audit(r, auditKeyRotated, uuid.Nil, "", map[string]any{"kid": kid})
	logInfo(r, "signing key rotated", "kid", kid)
	writeJSON(w, http.StatusOK, struct {
		KeyID string `json:"kid"`
		Keys  any    `json:"keys"`
	}{kid, h.Keys.Keys()})
}

// RevokeUserTokens handles POST /admin/users/{userID}/revoke.
func (h *AuthHandler) RevokeUserTokens(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.FromString(chi.URLParam(r, "userID"))
	if err != nil {
		BadRequest(w, r, "invalid user id")
		return
	}
	n, err := h.Tokens.RevokeUser(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.audit(r, auditUserRevoked, userID, "", map[string]any{"revoked": n})
	logInfo(r, "admin revoked user tokens", "user_id", userID, "revoked", n)
	writeJSON(w, http.StatusOK, struct {
		Revoked int64 `json:"revoked"`
	}{n})
}
