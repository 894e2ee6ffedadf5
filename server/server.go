// Package server is the JSON/HTTP adapter over the session authority.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/jrsteele09/go-session-authority/auth"
	"github.com/jrsteele09/go-session-authority/internal/metrics"
	"github.com/jrsteele09/go-session-authority/linking"
	"github.com/jrsteele09/go-session-authority/token"
	"github.com/jrsteele09/go-session-authority/verification"
)

// ExternalVerifier turns provider artifacts into verified identities.
type ExternalVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*linking.ExternalIdentity, error)
	AuthCodeURL(state, codeVerifier string) (string, error)
	Exchange(ctx context.Context, code, codeVerifier string) (*linking.ExternalIdentity, error)
}

// Deps holds the components the handlers call into.
type Deps struct {
	Accounts     accounts.Repo
	Auth         *auth.Service
	Tokens       *token.Manager
	Verification *verification.Engine
	Linking      *linking.Module
	External     ExternalVerifier // optional; external routes answer 404 without it
	JWKS         *token.JWKS      // published when tokens are signed with a key pair
}

type Server struct {
	env      string
	router   chi.Router
	deps     Deps
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	adminKey string
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = mt
	}
}

// WithAdminKey enables the admin routes, guarded by the X-Admin-Key header.
func WithAdminKey(key string) Option {
	return func(s *Server) {
		s.adminKey = key
	}
}

func WithEnv(env string) Option {
	return func(s *Server) {
		s.env = env
	}
}

func New(deps Deps, options ...Option) (*Server, error) {
	switch {
	case deps.Accounts == nil:
		return nil, errors.New("[server.New] Accounts is required")
	case deps.Auth == nil:
		return nil, errors.New("[server.New] Auth is required")
	case deps.Tokens == nil:
		return nil, errors.New("[server.New] Tokens is required")
	case deps.Verification == nil:
		return nil, errors.New("[server.New] Verification is required")
	case deps.Linking == nil:
		return nil, errors.New("[server.New] Linking is required")
	}

	s := &Server{
		deps:   deps,
		logger: zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	_ = chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		s.logger.Debug().Str("method", method).Str("route", route).Msg("route registered")
		return nil
	})
}

// getScheme reports the scheme the client used, honouring a proxy's X-Forwarded-Proto.
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
