package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/microcharge/internal/config"
	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
	"github.com/CedrosPay/microcharge/internal/payments"
	"github.com/CedrosPay/microcharge/internal/ratelimit"
)

var (
	serverStartTime = time.Now()
)

// Server wires the payment authority handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	payments *payments.Service
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, paymentsSvc *payments.Service, metricsCollector *metrics.Metrics, gatherer prometheus.Gatherer, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	h := handlers{
		cfg:      cfg,
		payments: paymentsSvc,
		metrics:  metricsCollector,
		gatherer: gatherer,
		logger:   appLogger,
	}

	s := &Server{
		handlers: h,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	h.configureRouter(router)

	return s
}

// Handler exposes the router, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// configureRouter attaches the payment authority routes to router.
func (h *handlers) configureRouter(router chi.Router) {
	cfg := h.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	prefix := cfg.Server.RoutePrefix

	// Health and metrics stay outside rate limiting so probes never see 429.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", h.health)

		gatherer := h.gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
			Handle(prefix+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	})

	limits := ratelimit.FromConfig(cfg.RateLimit, h.metrics)

	router.Group(func(r chi.Router) {
		// Rate-injected failures may sleep before answering.
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(ratelimit.GlobalLimiter(limits))
		r.Use(ratelimit.IdentityLimiter(limits))
		r.Use(ratelimit.IPLimiter(limits))

		r.Post(prefix+"/api/payments/token", h.requestToken)
		r.Post(prefix+"/api/payments", h.submitCharge)
		r.Get(prefix+"/api/payments/accounts/{identity}", h.account)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
