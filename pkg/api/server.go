package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/httputil"
	"github.com/modelgate/modelgate/pkg/middleware"
	"github.com/modelgate/modelgate/pkg/observability"
	"github.com/modelgate/modelgate/pkg/usage"
)

// Server wires the HTTP routes to the auth service and the store.
type Server struct {
	router   *mux.Router
	auth     *auth.Service
	store    Store
	hasher   *auth.Hasher
	limiter  *middleware.LoginRateLimiter
	recorder usage.Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewServer creates the API server and registers all routes. The
// allowed paths bypass token validation; everything else requires a
// bearer token and the /v1/admin subtree additionally requires the
// admin scope.
func NewServer(svc *auth.Service, st Store, hasher *auth.Hasher, limiter *middleware.LoginRateLimiter, recorder usage.Recorder, allowedPaths []string, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if recorder == nil {
		recorder = usage.NopRecorder{}
	}
	s := &Server{
		router:   mux.NewRouter(),
		auth:     svc,
		store:    st,
		hasher:   hasher,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
	}
	s.setupRoutes(allowedPaths)
	return s
}

// Handler returns the fully wired root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(allowedPaths []string) {
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.LoggingMiddleware(s.logger))
	s.router.Use(httputil.RecoveryMiddleware(s.logger))
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	authMw := middleware.NewAuthMiddleware(s.auth, allowedPaths, s.logger)
	s.router.Use(authMw.Handler)

	// Session issue is the only credentialed entry point and the only
	// one worth brute-forcing, so it alone is rate limited.
	login := http.Handler(http.HandlerFunc(s.login))
	if s.limiter != nil {
		login = s.limiter.Handler(login)
	}
	s.router.Handle("/v1/auth/session", login).Methods("POST")
	s.router.HandleFunc("/v1/auth/session", s.logout).Methods("DELETE")

	s.router.HandleFunc("/v1/auth/refresh", s.refresh).Methods("POST")
	s.router.HandleFunc("/v1/auth/me", s.me).Methods("GET")
	s.router.HandleFunc("/v1/auth/password", s.changePassword).Methods("POST")

	// Data-plane workers report metered token counts here after each
	// upstream call.
	s.router.HandleFunc("/v1/usage", s.recordUsage).Methods("POST")

	admin := s.router.PathPrefix("/v1/admin").Subrouter()
	admin.Use(middleware.RequireAdmin())
	admin.HandleFunc("/users", s.listUsers).Methods("GET")
	admin.HandleFunc("/users", s.createUser).Methods("POST")
	admin.HandleFunc("/users/{username}", s.getUser).Methods("GET")
	admin.HandleFunc("/users/{username}", s.updateUser).Methods("PUT")
	admin.HandleFunc("/users/{username}", s.deleteUser).Methods("DELETE")
	admin.HandleFunc("/users/{username}/token", s.issueToken).Methods("POST")
	admin.HandleFunc("/users/{username}/token", s.revokeTokens).Methods("DELETE")
	admin.HandleFunc("/users/{username}/tokens", s.listUserTokens).Methods("GET")
	admin.HandleFunc("/usage", s.usageSummary).Methods("GET")
}
