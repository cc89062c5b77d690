package microcharge

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/microcharge/internal/circuitbreaker"
	"github.com/CedrosPay/microcharge/internal/config"
	"github.com/CedrosPay/microcharge/internal/httpserver"
	"github.com/CedrosPay/microcharge/internal/ledger"
	"github.com/CedrosPay/microcharge/internal/lifecycle"
	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
	"github.com/CedrosPay/microcharge/internal/orchestrator"
	"github.com/CedrosPay/microcharge/internal/paymentclient"
	"github.com/CedrosPay/microcharge/internal/payments"
	"github.com/CedrosPay/microcharge/internal/reactions"
	"github.com/CedrosPay/microcharge/internal/tokens"
)

// Option configures app construction.
type Option func(*options)

type options struct {
	registry  *prometheus.Registry
	logger    *zerolog.Logger
	injector  payments.FailureInjector
	authority orchestrator.Authority
}

// WithRegistry registers metrics on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithInjector overrides the failure injector selected by config.
func WithInjector(injector payments.FailureInjector) Option {
	return func(o *options) {
		o.injector = injector
	}
}

// WithAuthority makes the reactions app call authority directly instead of
// the HTTP client, e.g. an in-process *payments.Service.
func WithAuthority(authority orchestrator.Authority) Option {
	return func(o *options) {
		o.authority = authority
	}
}

func collectOptions(cfg *config.Config, service string, opts []Option) (options, zerolog.Logger, *metrics.Metrics) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	var appLogger zerolog.Logger
	if o.logger != nil {
		appLogger = *o.logger
	} else {
		appLogger = logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     service,
			Environment: cfg.Logging.Environment,
		})
	}

	return o, appLogger, metrics.New(o.registry)
}

// PaymentsApp wires the payment authority for reuse or standalone serving.
type PaymentsApp struct {
	Config   *config.Config
	Ledger   *ledger.Ledger
	Injector payments.FailureInjector
	Payments *payments.Service
	Registry *prometheus.Registry

	server          *httpserver.Server
	resourceManager *lifecycle.Manager
	logger          zerolog.Logger
}

// NewPaymentsApp assembles the payment authority.
func NewPaymentsApp(cfg *config.Config, opts ...Option) (*PaymentsApp, error) {
	if cfg == nil {
		return nil, errors.New("microcharge: config required")
	}
	o, appLogger, metricsCollector := collectOptions(cfg, "payments-authority", opts)

	injector := o.injector
	if injector == nil {
		var err error
		injector, err = payments.NewInjector(payments.InjectorConfig{
			Policy: cfg.FailureInjection.Policy,
			Marker: cfg.FailureInjection.Marker,
			Every:  cfg.FailureInjection.Every,
			Delay:  cfg.FailureInjection.Delay.Duration,
		})
		if err != nil {
			return nil, err
		}
	}

	l := ledger.NewWithShards(cfg.Payments.LedgerShards)
	authorizer := payments.NewAuthorizer(l, cfg.Payments.Cap,
		payments.WithInjector(injector, payments.Stage(cfg.FailureInjection.Stage)),
		payments.WithMetrics(metricsCollector),
	)

	app := &PaymentsApp{
		Config:          cfg,
		Ledger:          l,
		Injector:        injector,
		Payments:        payments.NewService(tokens.NewIssuer(), l, authorizer, metricsCollector),
		Registry:        o.registry,
		resourceManager: lifecycle.NewManager(appLogger),
		logger:          appLogger,
	}
	app.server = httpserver.New(cfg, app.Payments, metricsCollector, o.registry, appLogger)

	if injector.Policy() != payments.PolicyNone {
		appLogger.Warn().
			Str("policy", injector.Policy()).
			Str("stage", cfg.FailureInjection.Stage).
			Msg("payments.failure_injection_enabled")
	}

	return app, nil
}

// Handler exposes the router as an http.Handler.
func (a *PaymentsApp) Handler() http.Handler {
	return a.server.Handler()
}

// ListenAndServe serves the authority on cfg.Server.Address.
func (a *PaymentsApp) ListenAndServe() error {
	a.logger.Info().
		Str("address", a.Config.Server.Address).
		Int64("cap", a.Config.Payments.Cap).
		Msg("server.starting")
	return a.server.ListenAndServe()
}

// Shutdown stops the HTTP server then releases app resources.
func (a *PaymentsApp) Shutdown(ctx context.Context) error {
	a.resourceManager.RegisterShutdown(ctx, "http-server", a.server.Shutdown)
	return a.resourceManager.Close()
}

// ReactionsApp wires the reactions gateway and its charge orchestrator.
type ReactionsApp struct {
	Config       *config.Config
	Hub          *reactions.Hub
	Service      *reactions.Service
	Gateway      *reactions.Gateway
	Orchestrator *orchestrator.Orchestrator
	Breaker      *circuitbreaker.Manager
	Registry     *prometheus.Registry

	server          *httpserver.ReactionsServer
	resourceManager *lifecycle.Manager
	logger          zerolog.Logger
}

// NewReactionsApp assembles the reactions service. Unless WithAuthority is
// given, charges go to cfg.Client.PaymentsURL over HTTP.
func NewReactionsApp(cfg *config.Config, opts ...Option) (*ReactionsApp, error) {
	if cfg == nil {
		return nil, errors.New("microcharge: config required")
	}
	o, appLogger, metricsCollector := collectOptions(cfg, "reactions", opts)

	app := &ReactionsApp{
		Config:          cfg,
		Registry:        o.registry,
		resourceManager: lifecycle.NewManager(appLogger),
		logger:          appLogger,
	}

	authority := o.authority
	if authority == nil {
		client, breaker := NewPaymentClient(cfg, metricsCollector, appLogger)
		app.Breaker = breaker
		app.resourceManager.Register("payment-client", client)
		authority = client
	}

	app.Orchestrator = orchestrator.New(authority, OrchestratorConfig(cfg.Client),
		orchestrator.WithLogger(appLogger),
		orchestrator.WithMetrics(metricsCollector),
	)

	app.Hub = reactions.NewHub(metricsCollector, appLogger)
	app.Service = reactions.NewService(app.Hub, app.Orchestrator, reactions.ServiceConfig{
		UnitAmount: cfg.Payments.UnitAmount,
		Cap:        cfg.Payments.Cap,
	}, reactions.WithServiceMetrics(metricsCollector), reactions.WithServiceLogger(appLogger))
	app.Gateway = reactions.NewGateway(app.Service, app.Hub, reactions.GatewayConfig{
		AllowedOrigins: cfg.Reactions.AllowedOrigins,
		SendBuffer:     cfg.Reactions.SendBuffer,
		WriteWait:      cfg.Reactions.WriteWait.Duration,
		PongWait:       cfg.Reactions.PongWait.Duration,
	}, appLogger)

	app.server = httpserver.NewReactionsServer(cfg, app.Gateway, app.Hub, o.registry, appLogger)
	return app, nil
}

// Handler exposes the router as an http.Handler.
func (a *ReactionsApp) Handler() http.Handler {
	return a.server.Handler()
}

// ListenAndServe serves the gateway on cfg.Reactions.Address.
func (a *ReactionsApp) ListenAndServe() error {
	a.logger.Info().
		Str("address", a.Config.Reactions.Address).
		Str("payments_url", a.Config.Client.PaymentsURL).
		Msg("server.starting")
	return a.server.ListenAndServe()
}

// Shutdown stops the gateway, waits for in-flight charges, then releases
// the payment client.
func (a *ReactionsApp) Shutdown(ctx context.Context) error {
	a.resourceManager.RegisterShutdown(ctx, "http-server", a.server.Shutdown)
	return a.resourceManager.Close()
}

// NewPaymentClient builds the HTTP client for the authority behind a
// circuit breaker that reports its state to metricsCollector.
func NewPaymentClient(cfg *config.Config, metricsCollector *metrics.Metrics, log zerolog.Logger) (*paymentclient.Client, *circuitbreaker.Manager) {
	breakerOpts := []circuitbreaker.Option{circuitbreaker.WithLogger(log)}
	if metricsCollector != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithStateObserver(metricsCollector.ObserveBreakerState))
	}
	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, breakerOpts...)

	clientOpts := []paymentclient.Option{paymentclient.WithBreaker(breaker)}
	if metricsCollector != nil {
		clientOpts = append(clientOpts, paymentclient.WithMetrics(metricsCollector))
	}
	return paymentclient.New(cfg.Client.PaymentsURL, cfg.Client.Timeout.Duration, clientOpts...), breaker
}

// OrchestratorConfig maps the client config onto the retry policy.
func OrchestratorConfig(cfg config.ClientConfig) orchestrator.Config {
	return orchestrator.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		Strategy:        cfg.Retry.Strategy,
		InitialInterval: cfg.Retry.InitialInterval.Duration,
		Multiplier:      cfg.Retry.Multiplier,
		MaxInterval:     cfg.Retry.MaxInterval.Duration,
		Jitter:          cfg.Retry.Jitter,
		ChargeTimeout:   cfg.ChargeTimeout.Duration,
	}
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the services.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
