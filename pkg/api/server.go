// Package api assembles the gateway's HTTP surface: the authentication
// endpoints under /api/auth and the pass-through endpoints that forward
// permitted requests to the queue manager.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/beamline/queuegate/pkg/auth"
	"github.com/beamline/queuegate/pkg/httputil"
	"github.com/beamline/queuegate/pkg/middleware"
	"github.com/beamline/queuegate/pkg/observability"
	"github.com/beamline/queuegate/pkg/policy"
	"github.com/beamline/queuegate/pkg/rpc"
	"github.com/beamline/queuegate/pkg/scopes"
)

// Server holds the constructed request-handling dependencies. It is built
// once at startup and passed to handlers explicitly; nothing here is a
// process-wide singleton, so tests construct isolated instances.
type Server struct {
	core     *auth.Core
	mw       *middleware.Middleware
	gateway  rpc.Gateway
	access   policy.AccessPolicy
	resource policy.ResourceAccessPolicy
	metrics  *observability.Metrics
	health   *observability.HealthChecker
	logger   *logrus.Logger
	router   *mux.Router
}

// Options are the dependencies of a Server. Gateway, Metrics and Health may
// be nil; the corresponding endpoints then report unavailable or are
// omitted.
type Options struct {
	Core     *auth.Core
	Gateway  rpc.Gateway
	Access   policy.AccessPolicy
	Resource policy.ResourceAccessPolicy
	Metrics  *observability.Metrics
	Health   *observability.HealthChecker
	Logger   *logrus.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Resource == nil {
		opts.Resource = policy.NewDefaultResourcePolicy("")
	}
	s := &Server{
		core:     opts.Core,
		mw:       middleware.New(opts.Core, opts.Metrics, opts.Logger),
		gateway:  opts.Gateway,
		access:   opts.Access,
		resource: opts.Resource,
		metrics:  opts.Metrics,
		health:   opts.Health,
		logger:   opts.Logger,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Router returns the fully assembled handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP lets the Server be mounted directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Use(httputil.Chain(
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
	))

	// Authentication and introspection routes
	s.router.Handle("/api/auth/provider/{provider}/token",
		s.instrument("/api/auth/provider/{provider}/token", http.HandlerFunc(s.login))).Methods("POST")
	s.router.Handle("/api/auth/session/refresh",
		s.instrument("/api/auth/session/refresh", http.HandlerFunc(s.refreshSession))).Methods("POST")
	s.router.Handle("/api/auth/session/revoke/{session_uuid}",
		s.protect("/api/auth/session/revoke/{session_uuid}", http.HandlerFunc(s.revokeSession))).Methods("DELETE")
	s.router.Handle("/api/auth/apikey",
		s.protect("/api/auth/apikey", http.HandlerFunc(s.createAPIKey), scopes.UserAPIKeys)).Methods("POST")
	s.router.Handle("/api/auth/apikey",
		s.protect("/api/auth/apikey", http.HandlerFunc(s.currentAPIKey))).Methods("GET")
	s.router.Handle("/api/auth/apikey",
		s.protect("/api/auth/apikey", http.HandlerFunc(s.deleteAPIKey))).Methods("DELETE")
	s.router.Handle("/api/auth/principal",
		s.protect("/api/auth/principal", http.HandlerFunc(s.listPrincipals), scopes.AdminReadPrincipals)).Methods("GET")
	s.router.Handle("/api/auth/principal/{uuid}",
		s.protect("/api/auth/principal/{uuid}", http.HandlerFunc(s.getPrincipal), scopes.AdminReadPrincipals)).Methods("GET")
	s.router.Handle("/api/auth/principal/{uuid}/apikey",
		s.protect("/api/auth/principal/{uuid}/apikey", http.HandlerFunc(s.createAPIKeyForPrincipal), scopes.AdminAPIKeys)).Methods("POST")
	s.router.Handle("/api/auth/whoami",
		s.protect("/api/auth/whoami", http.HandlerFunc(s.whoami))).Methods("GET")
	s.router.Handle("/api/auth/scopes",
		s.protect("/api/auth/scopes", http.HandlerFunc(s.currentScopes))).Methods("GET")
	s.router.Handle("/api/auth/logout",
		s.instrument("/api/auth/logout", http.HandlerFunc(s.logout))).Methods("POST")

	// Queue manager pass-through routes
	for _, route := range forwardRoutes {
		path := "/api" + route.path
		s.router.Handle(path, s.protect(path, s.forward(route), route.scope)).Methods(route.method)
	}

	// Operational routes
	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	}
	if s.metrics != nil {
		s.router.Handle("/metrics",
			s.protect("/metrics", s.metrics.Handler(), scopes.AdminMetrics)).Methods("GET")
	}
}

// protect wraps a handler with principal resolution, scope enforcement and
// per-route request metrics.
func (s *Server) protect(path string, next http.Handler, requiredScopes ...string) http.Handler {
	return s.instrument(path, s.mw.RequireScopes(requiredScopes...)(next))
}

// instrument wraps a handler with request count and duration metrics. The
// path is the route template so metric cardinality stays bounded.
func (s *Server) instrument(path string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return s.metrics.InstrumentHTTP(path, next)
}
