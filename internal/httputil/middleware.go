// Package httputil holds the HTTP plumbing shared by the stub's handlers.
package httputil

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pitabwire/frame/security"
	securityhttp "github.com/pitabwire/frame/security/interceptors/httptor"
)

// Logging logs method, route, status and duration of every request. Server
// errors are logged at warn level, everything else at debug.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		}
		if id := middleware.GetReqID(r.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}

		if ww.Status() >= http.StatusInternalServerError {
			slog.WarnContext(r.Context(), "http error", attrs...)
		} else {
			slog.DebugContext(r.Context(), "http ok", attrs...)
		}
	})
}

// CrossOrigin allows browser clients on any origin, as the hosted chat SDK does.
func CrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticated wraps handler with frame's bearer-token authentication.
func Authenticated(authenticator security.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return securityhttp.AuthenticationMiddleware(next, authenticator)
	}
}
