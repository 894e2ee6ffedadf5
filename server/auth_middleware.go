package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-session-authority/autherr"
	"github.com/jrsteele09/go-session-authority/token"
)

type contextKey string

const ContextKeyClaims contextKey = "claims"

// ClaimsFromContext returns the verified access-token claims set by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(ContextKeyClaims).(*token.Claims)
	return claims, ok
}

// RequireAuth validates a Bearer access token. Refresh tokens are rejected here.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const op = "server.RequireAuth"

		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			s.writeError(w, r, autherr.E(autherr.InvalidAccessToken, op, nil))
			return
		}

		claims, err := s.deps.Tokens.VerifyAccess(strings.TrimSpace(parts[1]))
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin checks the X-Admin-Key header in constant time.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey)) != 1 {
			writeJSON(w, http.StatusForbidden, Response{
				Error: &ErrorResponse{Code: "forbidden", Message: "admin key required"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accountIDFrom(r *http.Request) string {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.AccountID()
}
