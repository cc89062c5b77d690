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
	"github.com/CedrosPay/microcharge/internal/reactions"
)

// ReactionsServer exposes the reactions WebSocket gateway.
type ReactionsServer struct {
	cfg        *config.Config
	gateway    *reactions.Gateway
	hub        *reactions.Hub
	httpServer *http.Server
}

// NewReactionsServer builds the reactions HTTP server.
func NewReactionsServer(cfg *config.Config, gateway *reactions.Gateway, hub *reactions.Hub, gatherer prometheus.Gatherer, appLogger zerolog.Logger) *ReactionsServer {
	router := chi.NewRouter()

	s := &ReactionsServer{
		cfg:     cfg,
		gateway: gateway,
		hub:     hub,
		httpServer: &http.Server{
			Addr:        cfg.Reactions.Address,
			ReadTimeout: cfg.Server.ReadTimeout.Duration,
			IdleTimeout: cfg.Server.IdleTimeout.Duration,
			Handler:     router,
		},
	}

	if len(cfg.Reactions.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.Reactions.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}).Handler)
	}
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	prefix := cfg.Server.RoutePrefix

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", s.health)

		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
			Handle(prefix+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	})

	// No timeout middleware: the socket lives as long as the listener.
	router.Get(prefix+"/ws", gateway.ServeHTTP)

	return s
}

// Handler exposes the router, mainly for httptest servers.
func (s *ReactionsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *ReactionsServer) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      now.Sub(serverStartTime).String(),
		"timestamp":   now.UTC(),
		"connections": s.hub.Connections(),
		"paymentsUrl": s.cfg.Client.PaymentsURL,
	})
}

// ListenAndServe starts the HTTP server.
func (s *ReactionsServer) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections, then waits for in-flight reaction
// charges so accepted reactions are still relayed.
func (s *ReactionsServer) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.gateway.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
