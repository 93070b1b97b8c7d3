package httputil

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/chat-relay/internal/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MetricsMiddleware records request latency per route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
