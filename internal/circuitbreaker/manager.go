package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/CedrosPay/microcharge/internal/config"
)

// ServiceType identifies an outbound dependency for circuit breaker isolation.
type ServiceType string

const (
	ServicePaymentAuthority ServiceType = "payment_authority"
)

// StateObserver receives breaker state transitions (0 closed, 1 half-open, 2 open).
type StateObserver func(service string, state int)

// Manager manages circuit breakers for outbound services.
// Each service has its own breaker so one degraded dependency cannot block the others.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
	logger   zerolog.Logger
	observe  StateObserver
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	// Global enable/disable toggle
	Enabled bool

	PaymentAuthority BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open.
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear the internal counts.
	// If 0, never clears.
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	Timeout time.Duration

	// Trip after ConsecutiveFailures, or once FailureRatio is reached over at least MinRequests.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for state transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithStateObserver registers a callback for state transitions, typically a metrics gauge.
func WithStateObserver(fn StateObserver) Option {
	return func(m *Manager) {
		m.observe = fn
	}
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, opts ...Option) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		PaymentAuthority: BreakerConfig{
			MaxRequests:         cfg.PaymentAuthority.MaxRequests,
			Interval:            cfg.PaymentAuthority.Interval.Duration,
			Timeout:             cfg.PaymentAuthority.Timeout.Duration,
			ConsecutiveFailures: cfg.PaymentAuthority.ConsecutiveFailures,
			FailureRatio:        cfg.PaymentAuthority.FailureRatio,
			MinRequests:         cfg.PaymentAuthority.MinRequests,
		},
	}, opts...)
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if !cfg.Enabled {
		// Return manager with no breakers (pass-through)
		return m
	}

	m.breakers[ServicePaymentAuthority] = gobreaker.NewCircuitBreaker(m.toGobreakerSettings(string(ServicePaymentAuthority), cfg.PaymentAuthority))
	if m.observe != nil {
		m.observe(string(ServicePaymentAuthority), int(gobreaker.StateClosed))
	}

	return m
}

// Execute wraps a function call with circuit breaker protection.
// If circuit breaker is disabled or not configured for the service, executes directly.
// While the breaker is open it returns gobreaker.ErrOpenState without calling fn.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled or service not found.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	breaker, ok := m.breakers[service]
	if !m.config.Enabled || !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func (m *Manager) toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate >= cfg.FailureRatio {
					return true
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_changed")
			if m.observe != nil {
				m.observe(name, int(to))
			}
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		PaymentAuthority: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
	}
}
