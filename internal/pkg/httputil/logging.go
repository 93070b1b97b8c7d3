package httputil

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/chat-relay/internal/pkg/ctxlog"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestLoggerMiddleware injects a logger carrying the request id into the
// context and logs every request once it completes. Probe endpoints log at debug.
func RequestLoggerMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())
			logger := base.With("request_id", reqID)
			ctx := ctxlog.WithLogger(r.Context(), logger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			level := slog.LevelInfo
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
				level = slog.LevelDebug
			}

			logger.Log(ctx, level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}
