package httputil

import (
	"context"
	"net/http"
	"strings"
)

// CORSMiddleware creates CORS middleware that handles preflight requests
// and adds appropriate CORS headers to responses.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	originsSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && (originsSet[origin] || originsSet["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type contextKey string

const subjectKey contextKey = "subject"

// TokenValidator validates a bearer token and returns its subject.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (subject string, err error)
}

// AuthMiddleware rejects requests without a valid bearer token.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			subject, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the authenticated token subject, or "" for anonymous requests.
func Subject(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey).(string); ok {
		return s
	}
	return ""
}
