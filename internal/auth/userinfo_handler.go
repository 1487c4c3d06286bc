// userinfo_handler.go -- GET|POST /userinfo (OIDC Core §5.3).
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/obol/internal/store"
	"github.com/MGallo-Code/obol/internal/token"
)

// bearerToken returns the access token from the Authorization header or, for
// form-encoded POSTs, the access_token body parameter (RFC 6750 §2.1, §2.2).
func bearerToken(w http.ResponseWriter, r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(value)
	}
	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err == nil {
			return r.PostForm.Get("access_token")
		}
	}
	return ""
}

// invalidToken answers 401 with the RFC 6750 challenge.
func invalidToken(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSON(w, http.StatusUnauthorized, oauthErrorBody{Error: "invalid_token", Description: description})
}

// UserInfo handles GET|POST /userinfo: returns the token subject's claims,
// filtered by the scope the access token carries. sub is always present.
func (h *AuthHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	raw := bearerToken(w, r)
	if raw == "" {
		invalidToken(w, "missing bearer token")
		return
	}
	claims, err := h.Access.VerifyAccess(raw)
	if err != nil {
		logDebug(r, "userinfo token rejected", "error", err)
		invalidToken(w, "access token is invalid or expired")
		return
	}

	userID, err := uuid.FromString(claims.Subject)
	if err != nil {
		invalidToken(w, "access token is invalid or expired")
		return
	}
	user, err := h.PS.GetUserByID(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		logInfo(r, "userinfo for deleted user", "user_id", userID)
		invalidToken(w, "access token is invalid or expired")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, token.UserInfo{
		Subject: claims.Subject,
		Profile: token.ProfileClaims(user, claims.Scope),
	})
}
