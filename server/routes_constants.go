package server

const (
	RouteHealth  = "/healthz"
	RouteMetrics = "/metrics"
	RouteJWKS    = "/.well-known/jwks.json"

	RouteAccounts       = "/v1/accounts"
	RouteSessions       = "/v1/sessions"
	RouteRefresh        = "/v1/sessions/refresh"
	RouteRevoke         = "/v1/sessions/revoke"
	RouteMe             = "/v1/me"
	RouteMePassword     = "/v1/me/password"
	RouteMeLink         = "/v1/me/link"
	RouteMeSessions     = "/v1/me/sessions"
	RouteExternalLogin  = "/v1/external/sessions"
	RouteExternalSignup = "/v1/external/accounts"
	RouteExternalStart  = "/v1/external/authorize"
	RouteCallback       = "/v1/external/callback"

	RouteAdminClaim      = "/v1/admin/accounts/{accountID}/claims/{claimID}"
	RouteAdminDeactivate = "/v1/admin/accounts/{accountID}/deactivate"
)
