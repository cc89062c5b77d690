package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
// The payment authority, the reactions service and the load generator all read the same file;
// each binary uses the sections it needs.
type Config struct {
	Server           ServerConfig           `yaml:"server"`
	Logging          LoggingConfig          `yaml:"logging"`
	Payments         PaymentsConfig         `yaml:"payments"`
	FailureInjection FailureInjectionConfig `yaml:"failure_injection"`
	Client           ClientConfig           `yaml:"client"`
	Reactions        ReactionsConfig        `yaml:"reactions"`
	RateLimit        RateLimitConfig        `yaml:"rate_limit"`
	CircuitBreaker   CircuitBreakerConfig   `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration for the payment authority.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/v1")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// PaymentsConfig holds the ledger rules enforced by the payment authority.
type PaymentsConfig struct {
	Cap          int64 `yaml:"cap"`           // Per-identity spending cap (default: 50)
	UnitAmount   int64 `yaml:"unit_amount"`   // Amount charged per reaction (default: 10)
	LedgerShards int   `yaml:"ledger_shards"` // Number of identity lock shards (default: 64)
}

// FailureInjectionConfig selects how the authority simulates payment failures.
type FailureInjectionConfig struct {
	Policy string   `yaml:"policy"` // none | suffix | rate (default: none)
	Stage  string   `yaml:"stage"`  // first | last (default: last)
	Marker string   `yaml:"marker"` // subject suffix that triggers a failure (default: "X")
	Every  int      `yaml:"every"`  // every Nth attempt fails with policy=rate (default: 4)
	Delay  Duration `yaml:"delay"`  // artificial latency before a rate-injected failure
}

// ClientConfig holds the caller-side settings used to reach the payment authority.
type ClientConfig struct {
	PaymentsURL   string      `yaml:"payments_url"`   // Base URL of the payment authority
	Timeout       Duration    `yaml:"timeout"`        // Per-request HTTP timeout (default: 5s)
	ChargeTimeout Duration    `yaml:"charge_timeout"` // Wall-clock ceiling per logical charge, 0 = none
	Retry         RetryConfig `yaml:"retry"`
}

// RetryConfig holds the retry policy applied to each logical charge.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`     // Total attempts including the first (default: 4)
	Strategy        string   `yaml:"strategy"`         // fixed | exponential (default: exponential)
	InitialInterval Duration `yaml:"initial_interval"` // Delay before the first retry (default: 1.5s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 30s)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 1.5)
	Jitter          float64  `yaml:"jitter"`           // Randomization factor 0.0-1.0 (default: 0)
}

// ReactionsConfig holds the WebSocket gateway configuration.
type ReactionsConfig struct {
	Address        string   `yaml:"address"`         // Listen address (default: :8081)
	AllowedOrigins []string `yaml:"allowed_origins"` // Empty allows any origin
	SendBuffer     int      `yaml:"send_buffer"`     // Outbound frames buffered per connection (default: 32)
	WriteWait      Duration `yaml:"write_wait"`      // Deadline for a single frame write (default: 10s)
	PongWait       Duration `yaml:"pong_wait"`       // Idle read deadline, refreshed by pongs (default: 60s)
}

// RateLimitConfig holds rate limiting configuration for the payment authority.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-identity rate limiting (identified by X-Identity header)
	PerIdentityEnabled bool     `yaml:"per_identity_enabled"`
	PerIdentityLimit   int      `yaml:"per_identity_limit"`
	PerIdentityWindow  Duration `yaml:"per_identity_window"`

	// Per-IP rate limiting (fallback when identity not provided)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for outbound calls.
// Prevents hammering the payment authority while it is down.
type CircuitBreakerConfig struct {
	Enabled          bool                 `yaml:"enabled"`           // Enable circuit breakers (default: true)
	PaymentAuthority BreakerServiceConfig `yaml:"payment_authority"` // Calls from the reactions service to the authority
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
