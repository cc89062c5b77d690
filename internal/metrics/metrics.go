package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the micro-charge services.
type Metrics struct {
	// Payment authority metrics
	TokensIssuedTotal    prometheus.Counter
	VerdictsTotal        *prometheus.CounterVec
	AcceptedAmountTotal  prometheus.Counter
	InjectedFailureTotal *prometheus.CounterVec
	AuthorizeDuration    *prometheus.HistogramVec
	LedgerIdentities     prometheus.Gauge
	LedgerUsedTokens     prometheus.Gauge

	// Caller-side retry metrics
	ChargesTotal          *prometheus.CounterVec
	ChargeAttempts        prometheus.Histogram
	AttemptFailuresTotal  *prometheus.CounterVec
	ChargeDuration        *prometheus.HistogramVec
	CircuitBreakerState   *prometheus.GaugeVec
	AuthorityCallsTotal   *prometheus.CounterVec
	AuthorityCallDuration *prometheus.HistogramVec

	// Reaction fan-out metrics
	BroadcastsTotal    *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	ActiveListeners    prometheus.Gauge

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		TokensIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "microcharge_tokens_issued_total",
				Help: "Total number of payment tokens issued",
			},
		),
		VerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microcharge_verdicts_total",
				Help: "Total number of redemption verdicts by status",
			},
			[]string{"status"},
		),
		AcceptedAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "microcharge_accepted_amount_total",
				Help: "Sum of amounts from accepted charges",
			},
		),
		InjectedFailureTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microcharge_injected_failures_total",
				Help: "Total number of simulated failures produced by the failure injector",
			},
			[]string{"policy"},
		),
		AuthorizeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "microcharge_authorize_duration_seconds",
				Help:    "Time taken to produce a redemption verdict",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"status"},
		),
		LedgerIdentities: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "microcharge_ledger_identities",
				Help: "Number of identities with at least one accepted charge",
			},
		),
		LedgerUsedTokens: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "microcharge_ledger_used_tokens",
				Help: "Number of tokens consumed by accepted charges",
			},
		),

		ChargesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microcharge_charges_total",
				Help: "Total number of logical charges by final outcome",
			},
			[]string{"outcome"},
		),
		ChargeAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "microcharge_charge_attempts",
				Help:    "Number of attempts used per logical charge",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
		),
		AttemptFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microcharge_attempt_failures_total",
				Help: "Total number of transient attempt failures by reason",
			},
			[]string{"reason"},
		),
		ChargeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "microcharge_charge_duration_seconds",
				Help:    "Wall-clock time of a logical charge including backoff waits",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "microcharge_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		AuthorityCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microcharge_authority_calls_total",
				Help: "Total number of calls to the payment authority",
			},
			[]string{"operation", "result"},
		),
		AuthorityCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "microcharge_authority_call_duration_seconds",
				Help:    "Duration of calls to the payment authority",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"operation"},
		),

		BroadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microcharge_broadcasts_total",
				Help: "Total number of events relayed to subject listeners",
			},
			[]string{"event_type"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microcharge_private_notifications_total",
				Help: "Total number of private notifications sent to identities",
			},
			[]string{"type"},
		),
		ActiveListeners: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "microcharge_active_listeners",
				Help: "Number of identities currently listening on a subject",
			},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "microcharge_rate_limit_hits_total",
				Help: "Total number of rate limit rejections",
			},
			[]string{"limit_type", "identifier"},
		),
	}
}

// ObserveTokenIssued records one issued token.
func (m *Metrics) ObserveTokenIssued() {
	m.TokensIssuedTotal.Inc()
}

// ObserveVerdict records a redemption verdict from the authorizer.
func (m *Metrics) ObserveVerdict(status string, amount int64, duration time.Duration) {
	m.VerdictsTotal.WithLabelValues(status).Inc()
	m.AuthorizeDuration.WithLabelValues(status).Observe(duration.Seconds())
	if status == "ACCEPTED" {
		m.AcceptedAmountTotal.Add(float64(amount))
	}
}

// ObserveInjectedFailure records a simulated failure for the given policy.
func (m *Metrics) ObserveInjectedFailure(policy string) {
	m.InjectedFailureTotal.WithLabelValues(policy).Inc()
}

// ObserveLedger records ledger size.
func (m *Metrics) ObserveLedger(identities int, usedTokens int64) {
	m.LedgerIdentities.Set(float64(identities))
	m.LedgerUsedTokens.Set(float64(usedTokens))
}

// ObserveCharge records the final outcome of a logical charge.
func (m *Metrics) ObserveCharge(outcome string, attempts int, duration time.Duration) {
	m.ChargesTotal.WithLabelValues(outcome).Inc()
	m.ChargeAttempts.Observe(float64(attempts))
	m.ChargeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveAttemptFailure records a transient failure of one attempt.
func (m *Metrics) ObserveAttemptFailure(reason string) {
	m.AttemptFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveAuthorityCall records a call to the payment authority.
func (m *Metrics) ObserveAuthorityCall(operation string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.AuthorityCallsTotal.WithLabelValues(operation, result).Inc()
	m.AuthorityCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveBreakerState records a circuit breaker state transition.
func (m *Metrics) ObserveBreakerState(service string, state int) {
	m.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// ObserveBroadcast records an event relayed to a subject's listeners.
func (m *Metrics) ObserveBroadcast(eventType string) {
	m.BroadcastsTotal.WithLabelValues(eventType).Inc()
}

// ObserveNotification records a private notification.
func (m *Metrics) ObserveNotification(kind string) {
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}

// ObserveListeners records the current number of listeners.
func (m *Metrics) ObserveListeners(n int) {
	m.ActiveListeners.Set(float64(n))
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}
