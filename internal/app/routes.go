package app

import (
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"connector-hub/internal/auth"
	"connector-hub/internal/common/ratelimit"
	"connector-hub/internal/handlers"
	"connector-hub/internal/middleware"
)

// RouteOptions are the cross-cutting pieces SetupRoutes wraps handlers with.
type RouteOptions struct {
	Auth        *auth.Auth
	RateLimiter *ratelimit.Limiter
	CORSOrigins []string
}

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, opts RouteOptions) {
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware)
	if len(opts.CORSOrigins) > 0 {
		router.Use(middleware.CORS(opts.CORSOrigins))
	}

	// Health check (no auth required)
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	// Swagger UI (no auth required)
	router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	// Connector endpoints require an application identity
	api := router.PathPrefix("/connectors").Subrouter()
	api.Use(opts.Auth.RequireIdentity)

	byIdentity := limit(opts.RateLimiter, identityKey)
	byIP := limit(opts.RateLimiter, ratelimit.IPKey)

	api.HandleFunc("", h.ListConnectors).Methods(http.MethodGet)
	api.HandleFunc("/me", h.ListUserConnectors).Methods(http.MethodGet)
	api.Handle("/{connector_id}/oauth/initiate", byIdentity(http.HandlerFunc(h.InitiateOAuth))).Methods(http.MethodPost, http.MethodOptions)
	api.Handle("/{connector_id}/oauth/callback", byIP(http.HandlerFunc(h.OAuthCallback))).Methods(http.MethodGet)
	api.HandleFunc("/{connector_id}", h.DeleteUserConnector).Methods(http.MethodDelete, http.MethodOptions)
}

// limit returns a no-op wrapper when rate limiting is disabled.
func limit(limiter *ratelimit.Limiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.HTTPMiddleware(limiter, keyFunc)
}

// identityKey keys the limiter by the authenticated user and falls back to the client IP.
func identityKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return "user:" + identity.OrganizationID + "/" + identity.UserID
	}
	return "ip:" + ratelimit.IPKey(r)
}
