// csrf_test.go

// unit tests for CSRF token validation and middleware.
package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

// --- ValidateCSRFToken ---

func TestValidateCSRFToken(t *testing.T) {
	stored := []byte("stored-csrf-token")
	tests := []struct {
		name     string
		provided []byte
		stored   []byte
		want     bool
	}{
		{"match", []byte("stored-csrf-token"), stored, true},
		{"mismatch", []byte("other-csrf-token!"), stored, false},
		{"prefix", []byte("stored"), stored, false},
		{"empty provided", nil, stored, false},
		{"empty stored", []byte("x"), nil, false},
		{"both empty", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateCSRFToken(tt.provided, tt.stored); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// --- CSRFMiddleware ---

func TestCSRFMiddleware(t *testing.T) {
	h := &AuthHandler{}
	stored := []byte("session-csrf-token")
	good := base64.RawURLEncoding.EncodeToString(stored)

	serve := func(method, header string, withCtx bool) int {
		r := httptest.NewRequest(method, "/", nil)
		if header != "" {
			r.Header.Set(csrfHeader, header)
		}
		if withCtx {
			r = r.WithContext(context.WithValue(r.Context(), csrfTokenKey, stored))
		}
		w := httptest.NewRecorder()
		h.CSRFMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(w, r)
		return w.Code
	}

	tests := []struct {
		name    string
		method  string
		header  string
		withCtx bool
		want    int
	}{
		{"GET passes without token", http.MethodGet, "", true, http.StatusOK},
		{"HEAD passes without token", http.MethodHead, "", true, http.StatusOK},
		{"POST with valid token", http.MethodPost, good, true, http.StatusOK},
		{"DELETE with valid token", http.MethodDelete, good, true, http.StatusOK},
		{"POST missing token", http.MethodPost, "", true, http.StatusForbidden},
		{"POST wrong token", http.MethodPost, base64.RawURLEncoding.EncodeToString([]byte("nope")), true, http.StatusForbidden},
		{"POST undecodable token", http.MethodPost, "%%%", true, http.StatusForbidden},
		{"POST without session context", http.MethodPost, good, false, http.StatusForbidden},
		{"PATCH wrong token", http.MethodPatch, "bm9wZQ", true, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serve(tt.method, tt.header, tt.withCtx); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
