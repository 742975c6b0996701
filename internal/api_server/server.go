package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/internal/api_server/middleware"
	"github.com/steambundleapi/bundleapi/internal/bundles"
	"github.com/steambundleapi/bundleapi/internal/config"
	fchttp "github.com/steambundleapi/bundleapi/internal/instrumentation/http"
	"github.com/steambundleapi/bundleapi/internal/ratelimit"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Dependencies are the collaborators the router needs. Nil counters fall back
// to in-memory counters; a nil Recorder or Observer disables metrics.
type Dependencies struct {
	Store         BundleStore
	Trigger       UpdateTrigger
	AdminCounter  ratelimit.Counter
	PublicCounter ratelimit.Counter
	HeapCeiling   uint64
	Recorder      middleware.DecisionRecorder
	Observer      middleware.RequestObserver
	Checks        []HealthChecker
}

type Server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	listener net.Listener
	deps     Dependencies
}

// New returns a new instance of the bundle API server.
func New(log logrus.FieldLogger, cfg *config.Config, listener net.Listener, deps Dependencies) *Server {
	return &Server{
		log:      log,
		cfg:      cfg,
		listener: listener,
		deps:     deps,
	}
}

func counterOrMemory(c ratelimit.Counter) ratelimit.Counter {
	if c == nil {
		return ratelimit.NewMemoryCounter()
	}
	return c
}

// Router assembles the admission gate in front of the routes. Every request
// passes CORS, then the API key check on admin routes, then the rate limiter
// for its scope, then pagination validation on listing routes.
func (s *Server) Router() (chi.Router, error) {
	cfg := s.cfg
	production := cfg.IsProduction()

	origins, err := middleware.NewOriginPolicy(cfg.CORS, production, s.log, s.deps.Recorder)
	if err != nil {
		return nil, fmt.Errorf("building origin policy: %w", err)
	}
	authenticator := middleware.NewAPIKeyAuthenticator(cfg.Auth, s.log, s.deps.Recorder)
	errs := middleware.NewErrorHandler(production, s.log)
	h := &handlers{store: s.deps.Store, trigger: s.deps.Trigger}

	router := chi.NewRouter()
	router.NotFound(middleware.NotFound)
	router.MethodNotAllowed(middleware.MethodNotAllowed)

	// resolve the client IP before anything logs or counts it
	router.Use(
		middleware.TrustedRealIP(cfg.RateLimit.TrustedProxies),
		middleware.RequestID,
		middleware.RequestLogger(s.log, middleware.NewAdminPaths(AdminPaths()...), s.deps.Observer),
		errs.Recoverer,
		middleware.RequestSizeLimiter(cfg.Service.HttpMaxUrlLength, cfg.Service.HttpMaxNumHeaders),
		middleware.LimitRequestBody(int64(cfg.Service.HttpMaxRequestSize)),
		fchttp.RouteAttribute,
		origins.Handler,
	)

	// probes bypass the rate limiter so orchestrators never see a 429
	hc := cfg.Health
	router.Method(http.MethodGet, hc.LivenessPath, HealthzHandler())
	router.Method(http.MethodGet, hc.ReadinessPath,
		ReadyzHandler(time.Duration(hc.ReadinessTimeout), s.deps.Checks...))

	// administrative routes
	router.Group(func(r chi.Router) {
		r.Use(
			authenticator.Handler,
			middleware.ScopedRateLimiter(middleware.RateLimitOptions{
				Scope:    middleware.ScopeAdmin,
				Requests: cfg.RateLimit.Admin.Requests,
				Window:   time.Duration(cfg.RateLimit.Admin.Window),
				Message:  cfg.RateLimit.Admin.Message,
				Counter:  counterOrMemory(s.deps.AdminCounter),
			}, s.log, s.deps.Recorder),
		)
		for _, op := range bundles.Operations {
			r.Post(AdminPath(op), errs.Wrap(h.enqueue(op)))
		}
	})

	// public routes
	router.Group(func(r chi.Router) {
		r.Use(middleware.ScopedRateLimiter(middleware.RateLimitOptions{
			Scope:    middleware.ScopePublic,
			Requests: cfg.RateLimit.Public.Requests,
			Window:   time.Duration(cfg.RateLimit.Public.Window),
			Message:  cfg.RateLimit.Public.Message,
			Counter:  counterOrMemory(s.deps.PublicCounter),
		}, s.log, s.deps.Recorder))

		r.Method(http.MethodGet, hc.Path, NewHealthReporter(cfg.Service.DataDir, hc.DataFiles, s.deps.HeapCeiling))
		r.Get(RouteStatus, errs.Wrap(h.status))
		r.Get(RouteBundle, errs.Wrap(h.getBundle))
		r.With(middleware.PaginationValidator(cfg.Validation.MaxLimit, s.deps.Recorder)).
			Get(RouteBundles, errs.Wrap(h.listBundles))
	})

	return router, nil
}

func (s *Server) Run(ctx context.Context) error {
	s.log.Println("Initializing API server")

	router, err := s.Router()
	if err != nil {
		return err
	}

	handler := otelhttp.NewHandler(router, "http-server",
		otelhttp.WithSpanNameFormatter(fchttp.RouteSpanNameFormatter(router)))
	srv := middleware.NewHTTPServer(handler, s.cfg.Service.Address, s.cfg)

	go func() {
		<-ctx.Done()
		s.log.Println("Shutdown signal received:", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), GracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
	}()

	s.log.Printf("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
