// logging.go -- slog helpers that stamp request context onto every line.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// requestFields are the per-request keys every handler log line carries.
// RealIP has already rewritten RemoteAddr by the time handlers run.
func requestFields(r *http.Request) []any {
	fields := make([]any, 0, 10)
	if id := middleware.GetReqID(r.Context()); id != "" {
		fields = append(fields, "request_id", id)
	}
	return append(fields,
		"method", r.Method,
		"path", r.URL.Path,
		"ip", r.RemoteAddr,
		"user_agent", r.UserAgent(),
	)
}

func logAt(r *http.Request, level slog.Level, msg string, args ...any) {
	ctx := r.Context()
	l := slog.Default()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, msg, append(requestFields(r), args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelDebug, msg, args...) }
func logInfo(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelInfo, msg, args...) }
func logWarn(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelWarn, msg, args...) }
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args...) }
