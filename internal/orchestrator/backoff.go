package orchestrator

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff strategies.
const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// Config is the caller-side retry policy.
type Config struct {
	MaxAttempts     int           // total attempts including the first (default: 4)
	Strategy        string        // fixed or exponential (default: exponential)
	InitialInterval time.Duration // first backoff delay (default: 1.5s)
	Multiplier      float64       // exponential growth factor (default: 1.5)
	MaxInterval     time.Duration // cap on a single delay (default: 30s)
	Jitter          float64       // randomization factor in [0,1) (default: 0)
	ChargeTimeout   time.Duration // wall-clock ceiling per charge, 0 = none
}

// DefaultConfig is the stock policy: 1 attempt + 3 retries,
// 1.5s initial delay growing by 1.5x.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     4,
		Strategy:        StrategyExponential,
		InitialInterval: 1500 * time.Millisecond,
		Multiplier:      1.5,
		MaxInterval:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.InitialInterval < 0 {
		c.InitialInterval = 0
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	return c
}

// schedule yields the delay before each retry of a single charge.
type schedule struct {
	b   backoff.BackOff
	max time.Duration
}

func newSchedule(cfg Config) *schedule {
	var b backoff.BackOff
	switch strings.ToLower(cfg.Strategy) {
	case StrategyFixed:
		b = backoff.NewConstantBackOff(cfg.InitialInterval)
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = cfg.InitialInterval
		exp.Multiplier = cfg.Multiplier
		exp.MaxInterval = cfg.MaxInterval
		exp.RandomizationFactor = cfg.Jitter
		b = exp
	}
	b.Reset()
	return &schedule{b: b, max: cfg.MaxInterval}
}

func (s *schedule) next() time.Duration {
	d := s.b.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return s.max
	}
	if d > s.max {
		return s.max
	}
	return d
}
