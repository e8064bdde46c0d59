// Package server assembles the HTTP surface: the route table with its
// capability requirements, the middleware chain, and graceful lifecycle.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/arcfabric/controlplane/pkg/api"
	"github.com/arcfabric/controlplane/pkg/audit"
	"github.com/arcfabric/controlplane/pkg/auth"
	"github.com/arcfabric/controlplane/pkg/breaker"
	"github.com/arcfabric/controlplane/pkg/budget"
	"github.com/arcfabric/controlplane/pkg/config"
	"github.com/arcfabric/controlplane/pkg/dlq"
)

// Version is stamped at build time.
var Version = "dev"

// Server holds every dependency the handlers need. Everything is explicitly
// constructed so tests can substitute fakes.
type Server struct {
	cfg      *config.Config
	db       *sql.DB
	kv       *redis.Client
	login    *auth.LoginService
	issuer   *auth.TokenIssuer
	budget   *budget.Controller
	dlqStore *dlq.Store
	breakers *breaker.Registry
	auditor  audit.Recorder
	limiter  *auth.RateLimiter
	log      *slog.Logger
	started  time.Time
}

func New(
	cfg *config.Config,
	db *sql.DB,
	kv *redis.Client,
	login *auth.LoginService,
	issuer *auth.TokenIssuer,
	budgetCtrl *budget.Controller,
	dlqStore *dlq.Store,
	breakers *breaker.Registry,
	auditor audit.Recorder,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		db:       db,
		kv:       kv,
		login:    login,
		issuer:   issuer,
		budget:   budgetCtrl,
		dlqStore: dlqStore,
		breakers: breakers,
		auditor:  auditor,
		limiter:  auth.NewRateLimiter(kv),
		log:      log,
		started:  time.Now(),
	}
}

// route binds one endpoint to its handler and required capabilities. Public
// routes skip token validation; everything else runs behind it.
type route struct {
	method  string
	pattern string
	caps    []auth.Capability
	public  bool
	// unlimited exempts liveness endpoints from the anonymous rate limit.
	unlimited bool
	handler   api.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		{method: "GET", pattern: "/", public: true, unlimited: true, handler: s.handleRoot},
		{method: "GET", pattern: "/health", public: true, unlimited: true, handler: s.handleHealth},

		{method: "POST", pattern: "/api/v1/auth/login", public: true, handler: s.handleLogin},

		{method: "POST", pattern: "/api/v1/budget/request", caps: []auth.Capability{auth.CapBudgetView}, handler: s.handleBudgetRequest},
		{method: "POST", pattern: "/api/v1/budget/commit", caps: []auth.Capability{auth.CapBudgetView}, handler: s.handleBudgetCommit},
		{method: "POST", pattern: "/api/v1/budget/release", caps: []auth.Capability{auth.CapBudgetView}, handler: s.handleBudgetRelease},
		{method: "GET", pattern: "/api/v1/budget/state", caps: []auth.Capability{auth.CapBudgetView}, handler: s.handleBudgetState},

		{method: "GET", pattern: "/api/v1/dlq", caps: []auth.Capability{auth.CapDLQRead}, handler: s.handleDLQList},
		{method: "GET", pattern: "/api/v1/dlq/{id}", caps: []auth.Capability{auth.CapDLQRead}, handler: s.handleDLQGet},
		{method: "POST", pattern: "/api/v1/dlq/{id}/resolve", caps: []auth.Capability{auth.CapSystemAdmin}, handler: s.handleDLQResolve},

		{method: "GET", pattern: "/api/v1/circuit-breakers", caps: []auth.Capability{auth.CapMetricsView}, handler: s.handleBreakerStats},
		{method: "POST", pattern: "/api/v1/circuit-breakers/reset_all", caps: []auth.Capability{auth.CapSystemAdmin}, handler: s.handleBreakerResetAll},

		{method: "GET", pattern: "/api/v1/stats", caps: []auth.Capability{auth.CapMetricsView}, handler: s.handleStats},
	}
}

// Handler builds the full middleware stack. Per-route order is metrics,
// recover, then auth, rate limit and capability checks; request id and CORS
// wrap the whole mux so even 404s carry them.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, rt := range s.routes() {
		var h http.Handler = api.Handle(rt.handler)
		if !rt.public {
			if len(rt.caps) > 0 {
				h = auth.RequireCapabilities(rt.caps...)(h)
			}
			h = s.limiter.Middleware(h)
			h = auth.Middleware(s.issuer)(h)
		} else if !rt.unlimited {
			h = s.limiter.Middleware(h)
		}
		h = api.RecoverMiddleware(h)
		h = api.MetricsMiddleware(rt.pattern, h)
		mux.Handle(rt.method+" "+rt.pattern, h)
	}

	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = auth.CORSMiddleware(s.cfg.CORSAllowOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

// ListenAndServe runs the server until ctx is cancelled, then drains with a
// 10s grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control plane listening", "addr", srv.Addr, "version", Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
