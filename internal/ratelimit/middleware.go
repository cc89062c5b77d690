package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/microcharge/internal/config"
	apierrors "github.com/CedrosPay/microcharge/internal/errors"
	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-identity rate limiting (identified by X-Identity header)
	PerIdentityEnabled bool
	PerIdentityLimit   int
	PerIdentityWindow  time.Duration

	// Per-IP rate limiting (fallback when identity not provided)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible default rate limits.
// A reaction costs two requests (token + charge) plus up to three retries of each,
// so the per-identity limit leaves room for bursts of retried reactions.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   5000,
		GlobalWindow:  1 * time.Minute,

		PerIdentityEnabled: true,
		PerIdentityLimit:   300,
		PerIdentityWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   600,
		PerIPWindow:  1 * time.Minute,
	}
}

// FromConfig converts application config into limiter settings.
func FromConfig(cfg config.RateLimitConfig, metricsCollector *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:      cfg.GlobalEnabled,
		GlobalLimit:        cfg.GlobalLimit,
		GlobalWindow:       cfg.GlobalWindow.Duration,
		PerIdentityEnabled: cfg.PerIdentityEnabled,
		PerIdentityLimit:   cfg.PerIdentityLimit,
		PerIdentityWindow:  cfg.PerIdentityWindow.Duration,
		PerIPEnabled:       cfg.PerIPEnabled,
		PerIPLimit:         cfg.PerIPLimit,
		PerIPWindow:        cfg.PerIPWindow.Duration,
		Metrics:            metricsCollector,
	}
}

// createRateLimitHandler creates a standardized rate limit handler function
// shared by the global, per-identity and per-IP limiters.
func createRateLimitHandler(
	limitType string,
	window time.Duration,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	windowSeconds := int(window.Seconds())
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}
		log := logger.FromContext(r.Context())
		log.Warn().
			Str("limit_type", limitType).
			Str("identifier", identifier).
			Msg("ratelimit.exceeded")

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_identity":
			message = fmt.Sprintf("Rate limit exceeded for %s. Please try again later.", identifier)
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeRateLimited, message, "retry_after_seconds", windowSeconds)
	}
}

func passThrough(next http.Handler) http.Handler {
	return next
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passThrough
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(createRateLimitHandler("global", cfg.GlobalWindow, nil, cfg.Metrics)),
	)
}

// IdentityLimiter creates a per-identity rate limiter middleware.
// Requests without an identity fall back to IP-based keys.
func IdentityLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIdentityEnabled {
		return passThrough
	}

	return httprate.Limit(
		cfg.PerIdentityLimit,
		cfg.PerIdentityWindow,
		httprate.WithKeyFuncs(identityKeyExtractor),
		httprate.WithLimitHandler(createRateLimitHandler("per_identity", cfg.PerIdentityWindow, extractIdentity, cfg.Metrics)),
	)
}

// IPLimiter creates a per-IP rate limiter middleware (fallback).
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passThrough
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(createRateLimitHandler("per_ip", cfg.PerIPWindow, func(r *http.Request) string { return r.RemoteAddr }, cfg.Metrics)),
	)
}

// identityKeyExtractor is a httprate.KeyFunc keyed by caller identity.
func identityKeyExtractor(r *http.Request) (string, error) {
	identity := extractIdentity(r)
	if identity == "" {
		return httprate.KeyByIP(r)
	}
	return "identity:" + identity, nil
}

// extractIdentity reads the identity from the X-Identity header or the identity query parameter.
// The JSON body is not parsed here; the charge handler validates it.
func extractIdentity(r *http.Request) string {
	if identity := r.Header.Get(logger.IdentityHeader); identity != "" {
		return identity
	}
	return r.URL.Query().Get("identity")
}
