package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) initRoutes() {
	r := chi.NewRouter()
	r.Use(s.RecoverMiddleware, s.LoggingMiddleware, s.MetricsMiddleware)

	r.Get(RouteHealth, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, RouteMetrics, s.metrics.Handler())
	}
	if s.deps.JWKS != nil {
		r.Get(RouteJWKS, s.JWKSHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(JSONMiddleware)

		r.Post(RouteAccounts, s.RegisterHandler())
		r.Post(RouteSessions, s.LoginHandler())
		r.Post(RouteRefresh, s.RefreshHandler())
		r.Post(RouteRevoke, s.RevokeHandler())

		if s.deps.External != nil {
			r.Post(RouteExternalLogin, s.ExternalLoginHandler())
			r.Post(RouteExternalSignup, s.ExternalRegisterHandler())
		}
	})

	if s.deps.External != nil {
		r.Get(RouteExternalStart, s.ExternalAuthorizeHandler())
		r.Get(RouteCallback, s.OAuthCallbackHandler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAuth)

		r.Get(RouteMe, s.MeHandler())
		r.Delete(RouteMe, s.DeactivateSelfHandler())
		r.Delete(RouteMeSessions, s.RevokeAllHandler())

		r.Group(func(r chi.Router) {
			r.Use(JSONMiddleware)
			r.Put(RouteMePassword, s.ChangePasswordHandler())
			r.Post(RouteMePassword, s.SetPasswordHandler())
			if s.deps.External != nil {
				r.Post(RouteMeLink, s.LinkHandler())
			}
		})
		r.Delete(RouteMeLink, s.UnlinkHandler())
	})

	if s.adminKey != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.RequireAdmin)
			r.With(JSONMiddleware).Put(RouteAdminClaim, s.SetClaimStatusHandler())
			r.Post(RouteAdminDeactivate, s.AdminDeactivateHandler())
		})
	}

	s.router = r
}
