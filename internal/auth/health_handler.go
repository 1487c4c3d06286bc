// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"net/http"

	"github.com/MGallo-Code/obol/internal/keys"
)

// CheckHealth handles GET /health: pings Postgres and Redis, returns per-dependency status.
// Returns 200 if both are healthy and a signing key is active, 503 otherwise.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "ok"
	postgresStatus := "ok"

	if err := h.RS.CheckHealth(r.Context()); err != nil {
		logError(r, "redis health check failed", "error", err)
		redisStatus = "error"
	}
	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}

	keyStatus := h.signingKeyStatus()

	status := http.StatusOK
	if redisStatus == "error" || postgresStatus == "error" || keyStatus != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres   string `json:"postgres"`
		Redis      string `json:"redis"`
		SigningKey string `json:"signing_key"`
	}{postgresStatus, redisStatus, keyStatus})
}

// signingKeyStatus reports "ok" when an active key is loaded.
func (h *AuthHandler) signingKeyStatus() string {
	for _, k := range h.Keys.Keys() {
		if k.Status == keys.StatusActive {
			return "ok"
		}
	}
	return "missing"
}
