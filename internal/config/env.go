package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use MICROCHARGE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "MICROCHARGE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "MICROCHARGE_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "MICROCHARGE_ADMIN_METRICS_API_KEY")
	setListIfEnv(&c.Server.CORSAllowedOrigins, "MICROCHARGE_CORS_ALLOWED_ORIGINS")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "MICROCHARGE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "MICROCHARGE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "MICROCHARGE_ENVIRONMENT")

	// Ledger rules
	setInt64IfEnv(&c.Payments.Cap, "MICROCHARGE_PAYMENTS_CAP")
	setInt64IfEnv(&c.Payments.UnitAmount, "MICROCHARGE_PAYMENTS_UNIT_AMOUNT")
	setIntIfEnv(&c.Payments.LedgerShards, "MICROCHARGE_PAYMENTS_LEDGER_SHARDS")

	// Failure injection
	setIfEnv(&c.FailureInjection.Policy, "MICROCHARGE_FAILURE_POLICY")
	setIfEnv(&c.FailureInjection.Stage, "MICROCHARGE_FAILURE_STAGE")
	setIfEnv(&c.FailureInjection.Marker, "MICROCHARGE_FAILURE_MARKER")
	setIntIfEnv(&c.FailureInjection.Every, "MICROCHARGE_FAILURE_EVERY")
	setDurationIfEnv(&c.FailureInjection.Delay, "MICROCHARGE_FAILURE_DELAY")

	// Client config
	setIfEnv(&c.Client.PaymentsURL, "MICROCHARGE_PAYMENTS_URL")
	setDurationIfEnv(&c.Client.Timeout, "MICROCHARGE_CLIENT_TIMEOUT")
	setDurationIfEnv(&c.Client.ChargeTimeout, "MICROCHARGE_CHARGE_TIMEOUT")
	setIntIfEnv(&c.Client.Retry.MaxAttempts, "MICROCHARGE_RETRY_MAX_ATTEMPTS")
	setIfEnv(&c.Client.Retry.Strategy, "MICROCHARGE_RETRY_STRATEGY")
	setDurationIfEnv(&c.Client.Retry.InitialInterval, "MICROCHARGE_RETRY_INITIAL_INTERVAL")
	setDurationIfEnv(&c.Client.Retry.MaxInterval, "MICROCHARGE_RETRY_MAX_INTERVAL")
	setFloatIfEnv(&c.Client.Retry.Multiplier, "MICROCHARGE_RETRY_MULTIPLIER")
	setFloatIfEnv(&c.Client.Retry.Jitter, "MICROCHARGE_RETRY_JITTER")

	// Reactions gateway
	setIfEnv(&c.Reactions.Address, "MICROCHARGE_REACTIONS_ADDRESS")
	setListIfEnv(&c.Reactions.AllowedOrigins, "MICROCHARGE_REACTIONS_ALLOWED_ORIGINS")
	setIntIfEnv(&c.Reactions.SendBuffer, "MICROCHARGE_REACTIONS_SEND_BUFFER")

	// Rate limiting
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "MICROCHARGE_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "MICROCHARGE_RATE_LIMIT_GLOBAL_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIdentityEnabled, "MICROCHARGE_RATE_LIMIT_PER_IDENTITY_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIdentityLimit, "MICROCHARGE_RATE_LIMIT_PER_IDENTITY_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "MICROCHARGE_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "MICROCHARGE_RATE_LIMIT_PER_IP_LIMIT")

	// Circuit breaker
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "MICROCHARGE_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setIntIfEnv sets an int pointer from an environment variable; unparsable values are ignored.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*target = n
		}
	}
}

func setFloatIfEnv(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*target = f
		}
	}
}

// setListIfEnv replaces a list with the comma separated values of an environment variable.
func setListIfEnv(target *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
