package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// authMiddleware enforces a "Bearer <token>" Authorization header,
// generalized from control_plane/middleware/auth.go's
// AuthMiddleware (same strict fail-fast-on-missing-or-malformed-header
// shape, signature validated by a TokenIssuer instead of a package-level
// jwtSecret).
func authMiddleware(issuer *TokenIssuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "invalid Authorization format, expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := issuer.Validate(parts[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// requireRole writes a 403 and returns false unless the request's
// validated claims carry one of allowed. Call after authMiddleware has
// already run.
func requireRole(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		http.Error(w, "missing claims", http.StatusUnauthorized)
		return false
	}
	for _, role := range allowed {
		if claims.Role == role {
			return true
		}
	}
	http.Error(w, "forbidden", http.StatusForbidden)
	return false
}

// corsMiddleware allows cross-origin requests from a dashboard,
// unchanged in shape from control_plane/middleware/cors.go.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Idempotency-Key")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
