package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Reactions.Address == "" {
		c.Reactions.Address = ":8081"
	}

	c.FailureInjection.Policy = strings.ToLower(strings.TrimSpace(c.FailureInjection.Policy))
	if c.FailureInjection.Policy == "" {
		c.FailureInjection.Policy = "none"
	}
	c.FailureInjection.Stage = strings.ToLower(strings.TrimSpace(c.FailureInjection.Stage))
	if c.FailureInjection.Stage == "" {
		c.FailureInjection.Stage = "last"
	}
	if c.FailureInjection.Marker == "" {
		c.FailureInjection.Marker = "X"
	}
	if c.FailureInjection.Every == 0 {
		c.FailureInjection.Every = 4
	}

	if c.Payments.LedgerShards <= 0 {
		c.Payments.LedgerShards = 64
	}

	c.Client.Retry.Strategy = strings.ToLower(strings.TrimSpace(c.Client.Retry.Strategy))
	if c.Client.Retry.Strategy == "" {
		c.Client.Retry.Strategy = "exponential"
	}
	if c.Client.Retry.MaxInterval.Duration <= 0 {
		c.Client.Retry.MaxInterval = Duration{Duration: 30 * time.Second}
	}
	if c.Client.Timeout.Duration <= 0 {
		c.Client.Timeout = Duration{Duration: 5 * time.Second}
	}
	c.Client.PaymentsURL = strings.TrimSuffix(strings.TrimSpace(c.Client.PaymentsURL), "/")

	for _, window := range []*Duration{&c.RateLimit.GlobalWindow, &c.RateLimit.PerIdentityWindow, &c.RateLimit.PerIPWindow} {
		if window.Duration <= 0 {
			*window = Duration{Duration: time.Minute}
		}
	}

	if c.Reactions.SendBuffer <= 0 {
		c.Reactions.SendBuffer = 32
	}
	if c.Reactions.WriteWait.Duration <= 0 {
		c.Reactions.WriteWait = Duration{Duration: 10 * time.Second}
	}
	if c.Reactions.PongWait.Duration <= 0 {
		c.Reactions.PongWait = Duration{Duration: 60 * time.Second}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	// Ledger rules
	if c.Payments.Cap <= 0 {
		errs = append(errs, "payments.cap must be positive")
	}
	if c.Payments.UnitAmount <= 0 {
		errs = append(errs, "payments.unit_amount must be positive")
	} else if c.Payments.Cap > 0 && c.Payments.UnitAmount > c.Payments.Cap {
		errs = append(errs, fmt.Sprintf("payments.unit_amount (%d) must not exceed payments.cap (%d)", c.Payments.UnitAmount, c.Payments.Cap))
	}

	// Failure injection
	switch c.FailureInjection.Policy {
	case "none", "suffix", "rate":
	default:
		errs = append(errs, fmt.Sprintf("failure_injection.policy %q must be one of none, suffix, rate", c.FailureInjection.Policy))
	}
	switch c.FailureInjection.Stage {
	case "first", "last":
	default:
		errs = append(errs, fmt.Sprintf("failure_injection.stage %q must be first or last", c.FailureInjection.Stage))
	}
	if c.FailureInjection.Policy == "rate" && c.FailureInjection.Every < 1 {
		errs = append(errs, "failure_injection.every must be at least 1 when policy is 'rate'")
	}
	if c.FailureInjection.Delay.Duration < 0 {
		errs = append(errs, "failure_injection.delay must not be negative")
	}

	// Client retry policy
	if c.Client.Retry.MaxAttempts < 1 {
		errs = append(errs, "client.retry.max_attempts must be at least 1")
	}
	switch c.Client.Retry.Strategy {
	case "fixed", "exponential":
	default:
		errs = append(errs, fmt.Sprintf("client.retry.strategy %q must be fixed or exponential", c.Client.Retry.Strategy))
	}
	if c.Client.Retry.InitialInterval.Duration < 0 {
		errs = append(errs, "client.retry.initial_interval must not be negative")
	}
	if c.Client.Retry.Strategy == "exponential" && c.Client.Retry.Multiplier < 1 {
		errs = append(errs, "client.retry.multiplier must be at least 1.0 for exponential backoff")
	}
	if c.Client.Retry.Jitter < 0 || c.Client.Retry.Jitter >= 1 {
		errs = append(errs, "client.retry.jitter must be in [0, 1)")
	}
	if c.Client.ChargeTimeout.Duration < 0 {
		errs = append(errs, "client.charge_timeout must not be negative")
	}
	if err := validateBaseURL(c.Client.PaymentsURL); err != nil {
		errs = append(errs, fmt.Sprintf("client.payments_url: %v", err))
	}

	// Circuit breaker
	if c.CircuitBreaker.Enabled {
		ratio := c.CircuitBreaker.PaymentAuthority.FailureRatio
		if ratio < 0 || ratio > 1 {
			errs = append(errs, "circuit_breaker.payment_authority.failure_ratio must be between 0 and 1")
		}
	}

	// Rate limits
	if c.RateLimit.GlobalEnabled && c.RateLimit.GlobalLimit <= 0 {
		errs = append(errs, "rate_limit.global_limit must be positive when enabled")
	}
	if c.RateLimit.PerIdentityEnabled && c.RateLimit.PerIdentityLimit <= 0 {
		errs = append(errs, "rate_limit.per_identity_limit must be positive when enabled")
	}
	if c.RateLimit.PerIPEnabled && c.RateLimit.PerIPLimit <= 0 {
		errs = append(errs, "rate_limit.per_ip_limit must be positive when enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateBaseURL requires an absolute http(s) URL.
func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("url empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return errors.New("url missing scheme")
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url missing host")
	}
	return nil
}
