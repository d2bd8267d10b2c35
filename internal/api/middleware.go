package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/iotpredict/predictor/internal/log"
)

// BearerAuth rejects requests without "Authorization: Bearer <token>".
// An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, got, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") ||
				subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.WarnContext(r.Context(), "authentication failed")
				respond(w, r, http.StatusUnauthorized, statusResponse{Status: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logging attaches the request id to the context logger and logs every
// completed request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		r = r.WithContext(ctx)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		start := time.Now()
		defer func() {
			level := slog.LevelDebug
			switch {
			case ww.Status() >= 500:
				level = slog.LevelError
			case ww.Status() >= 400:
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes_written", ww.BytesWritten())
		}()

		next.ServeHTTP(ww, r)
	})
}
